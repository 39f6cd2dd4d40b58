package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/Mesh/internal/app/mesh"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Relay carries negotiation payloads to a room mate over signaling.
type Relay interface {
	SendSignal(to domain.PeerID, data json.RawMessage) error
}

// Acceptor receives inbound links once their data channel opens.
type Acceptor interface {
	Accept(remote domain.PeerID, link mesh.Link)
}

type Config struct {
	STUN     []string
	TURN     []string
	TURNUser string
	TURNPass string
}

func DefaultConfig() Config {
	return Config{STUN: []string{"stun:stun.l.google.com:19302"}}
}

// WebRTC builds the ICE server list.
func (c Config) WebRTC() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.STUN) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUN})
	}
	if len(c.TURN) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURN,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// Transport implements mesh.Transport over pion data channels. Every
// connection has its own id so two attempts to the same peer never mix
// their negotiation.
type Transport struct {
	cfg   webrtc.Configuration
	relay Relay

	mu       sync.Mutex
	acceptor Acceptor
	conns    map[string]*Connection
}

func NewTransport(cfg Config, relay Relay) *Transport {
	return &Transport{
		cfg:   cfg.WebRTC(),
		relay: relay,
		conns: make(map[string]*Connection),
	}
}

func (t *Transport) SetAcceptor(a Acceptor) {
	t.mu.Lock()
	t.acceptor = a
	t.mu.Unlock()
}

// Len is the number of live connections.
func (t *Transport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Transport) send(to domain.PeerID, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return t.relay.SendSignal(to, data)
}

func (t *Transport) register(c *Connection) {
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

func (t *Transport) lookup(id string, from domain.PeerID) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	if !ok || c.remote != from {
		return nil, false
	}
	return c, true
}

// Open offers a new connection to remote and waits for its data channel.
func (t *Transport) Open(ctx context.Context, remote domain.PeerID) (mesh.Link, error) {
	c, err := newConnection(t, uuid.NewString(), remote, true)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t.register(c)

	ordered := true
	dc, err := c.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		c.closeWith(err, false)
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	c.attach(dc, nil)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.closeWith(err, false)
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.closeWith(err, false)
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := c.sendDescription(KindOffer, offer.SDP); err != nil {
		c.closeWith(err, false)
		return nil, fmt.Errorf("send offer: %w", err)
	}
	log.Debug().Str("module", "rtc").Str("conn", c.id).Str("peer", string(remote)).Msg("offer sent")

	select {
	case <-c.opened:
		return c, nil
	case <-c.done:
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, ErrClosed
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

// HandleSignal routes one relayed payload from a room mate.
func (t *Transport) HandleSignal(from domain.PeerID, data json.RawMessage) {
	p, err := decodePayload(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("peer", string(from)).Msg("bad signal payload")
		return
	}

	switch p.Kind {
	case KindOffer:
		if err := t.answer(from, p); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("conn", p.Conn).Str("peer", string(from)).Msg("answer failed")
		}
	case KindAnswer:
		c, ok := t.lookup(p.Conn, from)
		if !ok {
			return
		}
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("conn", p.Conn).Msg("set remote answer")
			c.closeWith(err, true)
		}
	case KindCandidate:
		c, ok := t.lookup(p.Conn, from)
		if !ok {
			return
		}
		if err := c.addCandidate(p.Candidate); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("conn", p.Conn).Msg("add candidate")
		}
	case KindBye:
		if c, ok := t.lookup(p.Conn, from); ok {
			c.closeWith(nil, false)
		}
	default:
		log.Warn().Str("module", "rtc").Str("kind", p.Kind).Msg("unknown signal kind")
	}
}

func (t *Transport) answer(from domain.PeerID, p Payload) error {
	if _, exists := t.lookup(p.Conn, from); exists {
		return fmt.Errorf("duplicate offer for conn %s", p.Conn)
	}
	c, err := newConnection(t, p.Conn, from, false)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	t.register(c)

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			return
		}
		c.attach(dc, func() {
			t.mu.Lock()
			acc := t.acceptor
			t.mu.Unlock()
			if acc == nil {
				_ = c.Close()
				return
			}
			acc.Accept(from, c)
		})
	})

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
		c.closeWith(err, true)
		return fmt.Errorf("set remote offer: %w", err)
	}
	ans, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.closeWith(err, true)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(ans); err != nil {
		c.closeWith(err, true)
		return fmt.Errorf("set local description: %w", err)
	}
	if err := c.sendDescription(KindAnswer, ans.SDP); err != nil {
		c.closeWith(err, false)
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// Close closes every connection.
func (t *Transport) Close() {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
