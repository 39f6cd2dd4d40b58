package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const DefaultDialTimeout = 5 * time.Second

// Link is one open, reliable-ordered transport connection to a peer.
// Data arriving before OnData is set must be buffered, and OnClose on an
// already closed link must call fn right away.
type Link interface {
	Send(data []byte) error
	OnData(fn func(data []byte))
	OnClose(fn func(err error))
	Close() error
}

// Transport opens outbound links. Open returns once the link is open or
// has failed; inbound links are handed to Manager.Accept.
type Transport interface {
	Open(ctx context.Context, remote domain.PeerID) (Link, error)
}

// Signaling is the manager's outbound half of the signaling channel.
// Events coming back are delivered through OnSnapshot, OnPeerJoined,
// OnPeerLeft, OnSignalError and OnSignalingLost, in arrival order.
type Signaling interface {
	SendJoin(room domain.RoomName, peer domain.PeerID) error
	SendLeave() error
}

type Callbacks struct {
	OnMessage  func(from domain.PeerID, data []byte)
	OnPeerList func(peers []domain.PeerID)
	OnStatus   func(status string)
	OnWarning  func(err error)
}

type Options struct {
	DialTimeout time.Duration
	Callbacks   Callbacks
	Now         func() time.Time
}

// Manager keeps a full mesh of links to the other members of one room.
type Manager struct {
	self domain.PeerID
	room domain.RoomName
	sig  Signaling
	tr   Transport
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	roster   map[domain.PeerID]int
	records  map[domain.PeerID]*record
	joined   bool
	torn     bool
	snapshot chan error
}

func New(self domain.PeerID, room domain.RoomName, sig Signaling, tr Transport, opts Options) *Manager {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:    self,
		room:    room,
		sig:     sig,
		tr:      tr,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		roster:  make(map[domain.PeerID]int),
		records: make(map[domain.PeerID]*record),
	}
}

func (m *Manager) Self() domain.PeerID   { return m.self }
func (m *Manager) Room() domain.RoomName { return m.room }

// Join announces the manager's identity and waits for the room snapshot.
// Outbound attempts to the snapshot are started before Join returns but not
// awaited.
func (m *Manager) Join(ctx context.Context) error {
	if err := domain.ValidateJoin(m.room, m.self); err != nil {
		return err
	}

	m.mu.Lock()
	switch {
	case m.torn:
		m.mu.Unlock()
		return ErrTornDown
	case m.joined || m.snapshot != nil:
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	wait := make(chan error, 1)
	m.snapshot = wait
	m.mu.Unlock()

	m.status(fmt.Sprintf("joining room %s as %s", m.room, m.self))
	if err := m.sig.SendJoin(m.room, m.self); err != nil {
		m.clearWaiter(wait)
		return fmt.Errorf("send join: %w", err)
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		m.clearWaiter(wait)
		return ctx.Err()
	}
}

func (m *Manager) clearWaiter(wait chan error) {
	m.mu.Lock()
	if m.snapshot == wait {
		m.snapshot = nil
	}
	m.mu.Unlock()
}

// resolveWaiter completes a pending Join. Caller holds m.mu.
func (m *Manager) resolveWaiter(err error) {
	if m.snapshot == nil {
		return
	}
	m.snapshot <- err
	m.snapshot = nil
}

// OnSnapshot replaces the roster with peers and starts an outbound attempt
// to every listed identity that has no record yet.
func (m *Manager) OnSnapshot(peers []domain.PeerID) {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return
	}
	m.roster = make(map[domain.PeerID]int, len(peers))
	var dials []*record
	for _, p := range peers {
		if p == m.self {
			log.Warn().Str("module", "mesh").Str("peer", string(p)).Msg("identity collision in snapshot")
			continue
		}
		m.roster[p]++
		if rec := m.pendingLocked(p); rec != nil {
			dials = append(dials, rec)
		}
	}
	m.joined = true
	m.resolveWaiter(nil)
	list := m.rosterLocked()
	m.mu.Unlock()

	log.Info().Str("module", "mesh").Str("room", string(m.room)).Int("peers", len(list)).Msg("snapshot")
	m.status(fmt.Sprintf("joined room %s with %d peer(s)", m.room, len(list)))
	m.peerList(list)
	m.dialAll(dials)
}

func (m *Manager) OnPeerJoined(p domain.PeerID) {
	if p == m.self {
		log.Warn().Str("module", "mesh").Str("peer", string(p)).Msg("identity collision")
		return
	}
	m.mu.Lock()
	if m.torn || !m.joined {
		m.mu.Unlock()
		return
	}
	m.roster[p]++
	rec := m.pendingLocked(p)
	list := m.rosterLocked()
	m.mu.Unlock()

	m.status(fmt.Sprintf("%s joined", p))
	m.peerList(list)
	if rec != nil {
		m.dialAll([]*record{rec})
	}
}

// OnPeerLeft closes the record for p once no entry with that identity is
// left in the room.
func (m *Manager) OnPeerLeft(p domain.PeerID) {
	m.mu.Lock()
	if m.torn || m.roster[p] == 0 {
		m.mu.Unlock()
		return
	}
	m.roster[p]--
	if m.roster[p] > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.roster, p)
	var link Link
	if rec, ok := m.records[p]; ok {
		delete(m.records, p)
		link = rec.markClosed()
	}
	list := m.rosterLocked()
	m.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	log.Info().Str("module", "mesh").Str("peer", string(p)).Msg("peer left")
	m.status(fmt.Sprintf("%s left", p))
	m.peerList(list)
}

// OnSignalError reports a coordinator error envelope. A pending Join fails
// with ErrJoinRejected.
func (m *Manager) OnSignalError(code string) {
	m.mu.Lock()
	waiting := m.snapshot != nil
	m.resolveWaiter(fmt.Errorf("%w: %s", ErrJoinRejected, code))
	m.mu.Unlock()
	if !waiting {
		m.warn(fmt.Errorf("coordinator error: %s", code))
	}
}

// OnSignalingLost drops the roster and every pending attempt. Open links
// stay usable until they fail on their own.
func (m *Manager) OnSignalingLost(err error) {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return
	}
	m.joined = false
	m.resolveWaiter(ErrSignalingLost)
	m.roster = make(map[domain.PeerID]int)
	for p, rec := range m.records {
		if rec.State() == StatePending {
			delete(m.records, p)
			rec.markClosed()
		}
	}
	m.mu.Unlock()

	log.Warn().Err(err).Str("module", "mesh").Str("room", string(m.room)).Msg("signaling lost")
	m.warn(fmt.Errorf("%w: %v", ErrSignalingLost, err))
	m.status("signaling lost")
	m.peerList(nil)
}

// pendingLocked creates a pending outbound record for p unless one exists.
func (m *Manager) pendingLocked(p domain.PeerID) *record {
	if _, ok := m.records[p]; ok {
		return nil
	}
	rec := newRecord(p)
	rec.arm(m.ctx, m.opts.DialTimeout)
	m.records[p] = rec
	return rec
}

// dialAll runs the attempts concurrently without blocking the caller.
func (m *Manager) dialAll(recs []*record) {
	if len(recs) == 0 {
		return
	}
	go func() {
		var wg conc.WaitGroup
		for _, rec := range recs {
			wg.Go(func() { m.dial(rec) })
		}
		wg.Wait()
	}()
}

func (m *Manager) dial(rec *record) {
	ctx := rec.attempt()
	log.Debug().Str("module", "mesh").Str("peer", string(rec.peer)).Msg("dialing")
	link, err := m.tr.Open(ctx, rec.peer)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	m.mu.Lock()
	rec.dialFinished()
	m.mu.Unlock()

	if err != nil {
		if timedOut {
			err = wrapTransportError("dial", rec.peer, ErrDialTimeout, m.opts.DialTimeout.String())
		} else {
			err = newTransportError("dial", rec.peer, err)
		}
		m.dialFailed(rec, err)
		return
	}
	m.adopt(rec.peer, link, true)
}

func (m *Manager) dialFailed(rec *record, err error) {
	m.mu.Lock()
	if m.records[rec.peer] != rec || rec.State() != StatePending {
		// Torn down, departed, or already opened by an inbound link.
		m.mu.Unlock()
		log.Debug().Err(err).Str("module", "mesh").Str("peer", string(rec.peer)).Msg("stale dial failure ignored")
		return
	}
	delete(m.records, rec.peer)
	rec.markClosed()
	m.mu.Unlock()

	log.Warn().Err(err).Str("module", "mesh").Str("peer", string(rec.peer)).Msg("dial failed")
	m.warn(err)
}

// Accept hands the manager an inbound link that is already open.
func (m *Manager) Accept(remote domain.PeerID, link Link) {
	m.adopt(remote, link, false)
}

// adopt installs a freshly opened link. The first link to open for a peer
// wins; if the record is already open, both sides keep the link initiated
// by the lexicographically smaller identity.
func (m *Manager) adopt(peer domain.PeerID, link Link, outbound bool) {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		_ = link.Close()
		return
	}
	rec, ok := m.records[peer]
	if !ok {
		if outbound && m.roster[peer] == 0 {
			// The peer left while the attempt was in flight.
			m.mu.Unlock()
			_ = link.Close()
			return
		}
		rec = newRecord(peer)
		m.records[peer] = rec
	}

	var discard Link
	switch rec.State() {
	case StatePending:
		rec.markOpen(link, outbound)
	case StateOpen:
		cur, curOutbound := rec.current()
		if m.keepNew(peer, outbound, curOutbound) {
			rec.markOpen(link, outbound)
			discard = cur
		} else {
			discard = link
		}
		log.Debug().Str("module", "mesh").Str("peer", string(peer)).Bool("outbound", outbound).Bool("kept_new", discard != link).Msg("glare resolved")
	default:
		discard = link
	}
	m.mu.Unlock()

	if discard != nil {
		_ = discard.Close()
	}
	if discard == link {
		return
	}

	link.OnData(func(data []byte) { m.receive(peer, data) })
	link.OnClose(func(err error) { m.linkClosed(peer, link, err) })
	log.Info().Str("module", "mesh").Str("peer", string(peer)).Bool("outbound", outbound).Msg("connection open")
	m.status(fmt.Sprintf("connected to %s", peer))
}

// keepNew decides between two open links to peer.
func (m *Manager) keepNew(peer domain.PeerID, newOutbound, curOutbound bool) bool {
	if newOutbound == curOutbound {
		return true
	}
	initiator := func(outbound bool) domain.PeerID {
		if outbound {
			return m.self
		}
		return peer
	}
	return initiator(newOutbound) < initiator(curOutbound)
}

// linkClosed removes the record if link is still the one it holds; closes
// of discarded glare links are ignored. While the record's own outbound
// attempt is still running it goes back to pending instead: the remote side
// may have dropped this link in favour of that attempt.
func (m *Manager) linkClosed(peer domain.PeerID, link Link, err error) {
	m.mu.Lock()
	rec, ok := m.records[peer]
	if !ok {
		m.mu.Unlock()
		return
	}
	if cur, _ := rec.current(); cur != link {
		m.mu.Unlock()
		return
	}
	if rec.dialInFlight() {
		rec.markPending()
		m.mu.Unlock()
		log.Debug().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("link closed, waiting for outbound attempt")
		return
	}
	delete(m.records, peer)
	rec.markClosed()
	m.mu.Unlock()

	log.Info().Err(err).Str("module", "mesh").Str("peer", string(peer)).Msg("connection closed")
	m.status(fmt.Sprintf("disconnected from %s", peer))
	if err != nil {
		m.warn(wrapTransportError("link", peer, ErrLinkClosed, err.Error()))
	}
}

func (m *Manager) receive(from domain.PeerID, data []byte) {
	if fn := m.opts.Callbacks.OnMessage; fn != nil {
		fn(from, data)
	}
}

// Send stamps payload and delivers it to every open peer and to the local
// application. Known peers without an open link are skipped with a warning;
// the returned warnings are also passed to OnWarning.
func (m *Manager) Send(payload json.RawMessage) []error {
	data, err := stamp(m.self, payload, m.opts.Now())
	if err != nil {
		return []error{fmt.Errorf("stamp payload: %w", err)}
	}

	type target struct {
		peer domain.PeerID
		link Link
	}
	var targets []target
	var warnings []error

	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return []error{newTransportError("send", m.self, ErrTornDown)}
	}
	known := make(map[domain.PeerID]struct{}, len(m.roster)+len(m.records))
	for p := range m.roster {
		known[p] = struct{}{}
	}
	for p := range m.records {
		known[p] = struct{}{}
	}
	for p := range known {
		rec, ok := m.records[p]
		if !ok || rec.State() != StateOpen {
			warnings = append(warnings, newTransportError("send", p, ErrNotOpen))
			continue
		}
		if link, _ := rec.current(); link != nil {
			targets = append(targets, target{peer: p, link: link})
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		if err := t.link.Send(data); err != nil {
			warnings = append(warnings, newTransportError("send", t.peer, err))
		}
	}

	m.receive(m.self, data)
	for _, w := range warnings {
		m.warn(w)
	}
	return warnings
}

// Teardown closes every link, forgets every record and leaves the room.
// Idempotent.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return
	}
	m.torn = true
	// A join still waiting for its snapshot has already reached the
	// coordinator.
	wasJoined := m.joined || m.snapshot != nil
	m.resolveWaiter(ErrTornDown)
	var links []Link
	for p, rec := range m.records {
		if link := rec.markClosed(); link != nil {
			links = append(links, link)
		}
		delete(m.records, p)
	}
	m.roster = make(map[domain.PeerID]int)
	m.joined = false
	m.mu.Unlock()

	m.cancel()
	for _, l := range links {
		_ = l.Close()
	}
	if wasJoined {
		if err := m.sig.SendLeave(); err != nil {
			log.Debug().Err(err).Str("module", "mesh").Msg("send leave")
		}
	}
	log.Info().Str("module", "mesh").Str("room", string(m.room)).Int("links", len(links)).Msg("torn down")
	m.status("left room")
	m.peerList(nil)
}

// State reports the record state for p.
func (m *Manager) State(p domain.PeerID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[p]; ok {
		return rec.State()
	}
	return StateAbsent
}

// Connected lists peers with an open link, sorted.
func (m *Manager) Connected() []domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PeerID, 0, len(m.records))
	for p, rec := range m.records {
		if rec.State() == StateOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Roster lists the room members known from signaling, sorted.
func (m *Manager) Roster() []domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rosterLocked()
}

func (m *Manager) rosterLocked() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(m.roster))
	for p := range m.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) status(s string) {
	if fn := m.opts.Callbacks.OnStatus; fn != nil {
		fn(s)
	}
}

func (m *Manager) warn(err error) {
	if fn := m.opts.Callbacks.OnWarning; fn != nil {
		fn(err)
	}
}

func (m *Manager) peerList(peers []domain.PeerID) {
	if fn := m.opts.Callbacks.OnPeerList; fn != nil {
		fn(peers)
	}
}
