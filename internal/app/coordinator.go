package app

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionClosed  = errors.New("session closed")
	ErrNotInRoom      = errors.New("not in a room")
	ErrUnknownPeer    = errors.New("no such peer in room")
)

// Coordinator owns a presence store and turns per-connection join, leave and
// disconnect events into presence notifications. Instances share nothing.
type Coordinator struct {
	Registry *Registry
	Presence *core.PresenceStore
	Policy   Policy
}

func NewCoordinator(presence *core.PresenceStore, policy Policy) *Coordinator {
	return &Coordinator{
		Registry: NewRegistry(),
		Presence: presence,
		Policy:   policy,
	}
}

// slowMember is a notification target whose queue was full.
type slowMember struct {
	room domain.RoomName
	sid  core.SessionID
}

// Connect registers a signaling connection under sid.
func (c *Coordinator) Connect(sid core.SessionID, conn core.SignalConnection) bool {
	return c.Registry.Bind(sid, conn)
}

// Join moves sid into room under identity peer. The caller receives a
// snapshot of the other members and those members receive peer-joined. A
// previous room is left first.
func (c *Coordinator) Join(sid core.SessionID, room domain.RoomName, peer domain.PeerID) error {
	if err := domain.ValidateJoin(room, peer); err != nil {
		return err
	}
	s, ok := c.Registry.get(sid)
	if !ok {
		return ErrUnknownSession
	}

	var slow []slowMember
	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return ErrSessionClosed
		}
		if s.room != "" {
			slow = append(slow, c.leaveLocked(s)...)
		}

		entry := core.Entry{SID: sid, Peer: peer, Conn: s.conn}
		c.Presence.Join(room, entry, func(others []core.Entry) {
			peers := make([]domain.PeerID, 0, len(others))
			for _, o := range others {
				peers = append(peers, o.Peer)
			}
			if f, err := core.Encode(core.NewSnapshot(room, peers)); err == nil {
				if err := s.conn.TrySend(f); errors.Is(err, core.ErrBackpressure) {
					slow = append(slow, slowMember{room: room, sid: sid})
				}
			}
			slow = append(slow, c.notify(room, others, core.PeerJoined(peer))...)
		})
		s.room = room
		s.peer = peer
		return nil
	}()
	if err != nil {
		return err
	}

	log.Info().Str("module", "app.coordinator").Str("sid", string(sid)).Str("room", string(room)).Str("peer", string(peer)).Msg("joined")
	c.applyPolicy(slow)
	return nil
}

// Leave removes sid from its room. It reports whether anything was removed;
// leaving twice is a no-op.
func (c *Coordinator) Leave(sid core.SessionID) bool {
	s, ok := c.Registry.get(sid)
	if !ok {
		return false
	}
	s.mu.Lock()
	had := s.room != ""
	slow := c.leaveLocked(s)
	s.mu.Unlock()

	c.applyPolicy(slow)
	return had
}

// Disconnect is Leave plus forgetting the connection. Notifications stop
// before it returns. Idempotent.
func (c *Coordinator) Disconnect(sid core.SessionID) {
	s, ok := c.Registry.get(sid)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	slow := c.leaveLocked(s)
	s.mu.Unlock()

	c.Registry.unbind(s)
	log.Info().Str("module", "app.coordinator").Str("sid", string(sid)).Msg("disconnected")
	c.applyPolicy(slow)
}

// leaveLocked removes s from its room and notifies the rest. Caller holds
// s.mu.
func (c *Coordinator) leaveLocked(s *session) []slowMember {
	if s.room == "" {
		return nil
	}
	room := s.room
	var slow []slowMember
	c.Presence.Leave(room, s.sid, func(left core.Entry, remaining []core.Entry) {
		slow = c.notify(room, remaining, core.PeerLeft(left.Peer))
	})
	log.Info().Str("module", "app.coordinator").Str("sid", string(s.sid)).Str("room", string(room)).Str("peer", string(s.peer)).Msg("left")
	s.room = ""
	s.peer = ""
	return slow
}

// notify enqueues v to every target. Runs inside the room's critical
// section, so it must never block.
func (c *Coordinator) notify(room domain.RoomName, targets []core.Entry, v any) []slowMember {
	if len(targets) == 0 {
		return nil
	}
	f, err := core.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Msg("encode notification")
		return nil
	}
	var slow []slowMember
	for _, t := range targets {
		if err := t.Conn.TrySend(f); err != nil {
			if errors.Is(err, core.ErrBackpressure) {
				slow = append(slow, slowMember{room: room, sid: t.SID})
			}
			log.Debug().Err(err).Str("module", "app.coordinator").Str("sid", string(t.SID)).Msg("notification not delivered")
		}
	}
	return slow
}

func (c *Coordinator) applyPolicy(slow []slowMember) {
	if c.Policy == nil {
		return
	}
	for _, m := range slow {
		switch c.Policy.OnBackPressure(m.room, m.sid) {
		case KickMember:
			log.Warn().Str("module", "app.coordinator").Str("sid", string(m.sid)).Str("room", string(m.room)).Msg("kicking slow member")
			c.Kick(m.sid)
		case DropFrame, NoAction:
		}
	}
}

// Kick disconnects sid and closes its connection.
func (c *Coordinator) Kick(sid core.SessionID) {
	s, ok := c.Registry.get(sid)
	if !ok {
		return
	}
	c.Disconnect(sid)
	s.conn.Close()
}

// Relay forwards an opaque negotiation blob from sid to every member of its
// current room announcing identity to.
func (c *Coordinator) Relay(sid core.SessionID, to domain.PeerID, data json.RawMessage) error {
	room, from, ok := c.Registry.RoomOf(sid)
	if !ok {
		return ErrNotInRoom
	}
	f, err := core.Encode(core.Envelope{Type: core.TypeSignal, From: from, Data: data})
	if err != nil {
		return err
	}
	delivered := 0
	c.Presence.View(room, func(members []core.Entry) {
		for _, m := range members {
			if m.Peer != to || m.SID == sid {
				continue
			}
			if err := m.Conn.TrySend(f); err != nil {
				log.Debug().Err(err).Str("module", "app.coordinator").Str("sid", string(m.SID)).Msg("relay not delivered")
				continue
			}
			delivered++
		}
	})
	if delivered == 0 {
		return ErrUnknownPeer
	}
	return nil
}

// Shutdown disconnects and closes every connection.
func (c *Coordinator) Shutdown() {
	var wg conc.WaitGroup
	for _, s := range c.Registry.all() {
		sid := s.sid
		wg.Go(func() { c.Kick(sid) })
	}
	wg.Wait()
	log.Info().Str("module", "app.coordinator").Msg("all sessions closed")
}
