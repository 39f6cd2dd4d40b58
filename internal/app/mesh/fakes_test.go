package mesh

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
)

// fakeLink is one end of an in-memory pipe.
type fakeLink struct {
	mu       sync.Mutex
	twin     *fakeLink
	onData   func([]byte)
	onClose  func(error)
	buffered [][]byte
	closed   bool
}

func newPipe() (*fakeLink, *fakeLink) {
	a, b := &fakeLink{}, &fakeLink{}
	a.twin, b.twin = b, a
	return a, b
}

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	if l.twin != nil {
		l.twin.deliver(data)
	}
	return nil
}

func (l *fakeLink) deliver(data []byte) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	fn := l.onData
	if fn == nil {
		l.buffered = append(l.buffered, data)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	fn(data)
}

func (l *fakeLink) OnData(fn func([]byte)) {
	l.mu.Lock()
	l.onData = fn
	pending := l.buffered
	l.buffered = nil
	l.mu.Unlock()
	for _, d := range pending {
		fn(d)
	}
}

func (l *fakeLink) OnClose(fn func(error)) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		fn(nil)
		return
	}
	l.onClose = fn
	l.mu.Unlock()
}

func (l *fakeLink) shut() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	fn := l.onClose
	l.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

func (l *fakeLink) Close() error {
	l.shut()
	if l.twin != nil {
		l.twin.shut()
	}
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeNet connects managers by identity. Open hands the far end to the
// remote manager before returning the near end, like a data channel that
// fires open on both sides.
type fakeNet struct {
	mu       sync.Mutex
	managers map[domain.PeerID]*Manager
	links    []*fakeLink
}

func newFakeNet() *fakeNet {
	return &fakeNet{managers: make(map[domain.PeerID]*Manager)}
}

func (n *fakeNet) add(m *Manager) {
	n.mu.Lock()
	n.managers[m.Self()] = m
	n.mu.Unlock()
}

func (n *fakeNet) openLinks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	open := 0
	for _, l := range n.links {
		if !l.isClosed() {
			open++
		}
	}
	return open
}

type netTransport struct {
	net  *fakeNet
	self domain.PeerID
}

func (t *netTransport) Open(ctx context.Context, remote domain.PeerID) (Link, error) {
	t.net.mu.Lock()
	rm, ok := t.net.managers[remote]
	near, far := newPipe()
	if ok {
		t.net.links = append(t.net.links, near, far)
	}
	t.net.mu.Unlock()
	if !ok {
		return nil, ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rm.Accept(t.self, far)
	return near, nil
}

// coordSignal plugs a manager into a real coordinator session.
type coordSignal struct {
	coord *app.Coordinator
	sid   core.SessionID

	mu     sync.Mutex
	frames chan core.Frame
	closed bool
}

func (s *coordSignal) SendJoin(room domain.RoomName, peer domain.PeerID) error {
	return s.coord.Join(s.sid, room, peer)
}

func (s *coordSignal) SendLeave() error {
	s.coord.Leave(s.sid)
	return nil
}

func (s *coordSignal) TrySend(f core.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrConnectionClosed
	}
	select {
	case s.frames <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (s *coordSignal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

func (s *coordSignal) pump(m *Manager) {
	for f := range s.frames {
		var env core.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			continue
		}
		switch env.Type {
		case core.TypeSnapshot:
			m.OnSnapshot(env.Peers)
		case core.TypePeerJoined:
			m.OnPeerJoined(env.Peer)
		case core.TypePeerLeft:
			m.OnPeerLeft(env.Peer)
		case core.TypeError:
			m.OnSignalError(env.Error)
		}
	}
	m.OnSignalingLost(core.ErrConnectionClosed)
}

// received is one OnMessage call.
type received struct {
	from domain.PeerID
	data string
}

// sink collects callback output.
type sink struct {
	mu       sync.Mutex
	messages []received
	warnings []error
}

func (s *sink) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(from domain.PeerID, data []byte) {
			s.mu.Lock()
			s.messages = append(s.messages, received{from: from, data: string(data)})
			s.mu.Unlock()
		},
		OnWarning: func(err error) {
			s.mu.Lock()
			s.warnings = append(s.warnings, err)
			s.mu.Unlock()
		},
	}
}

func (s *sink) messagesCopy() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.messages...)
}

func (s *sink) warningsCopy() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.warnings...)
}

// nopSignal accepts everything and answers nothing.
type nopSignal struct {
	mu     sync.Mutex
	joins  int
	leaves int
}

func (s *nopSignal) SendJoin(domain.RoomName, domain.PeerID) error {
	s.mu.Lock()
	s.joins++
	s.mu.Unlock()
	return nil
}

func (s *nopSignal) SendLeave() error {
	s.mu.Lock()
	s.leaves++
	s.mu.Unlock()
	return nil
}

// blockingTransport never opens; attempts end when ctx does.
type blockingTransport struct {
	mu    sync.Mutex
	dials map[domain.PeerID]int
}

func (t *blockingTransport) Open(ctx context.Context, remote domain.PeerID) (Link, error) {
	t.mu.Lock()
	if t.dials == nil {
		t.dials = make(map[domain.PeerID]int)
	}
	t.dials[remote]++
	t.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (t *blockingTransport) count(p domain.PeerID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[p]
}

// gateTransport holds every attempt until release, then opens it with an
// in-memory pipe whose far end goes nowhere.
type gateTransport struct {
	mu      sync.Mutex
	release chan struct{}
	ctxs    map[domain.PeerID]context.Context
	links   map[domain.PeerID]*fakeLink
}

func newGateTransport() *gateTransport {
	return &gateTransport{
		release: make(chan struct{}),
		ctxs:    make(map[domain.PeerID]context.Context),
		links:   make(map[domain.PeerID]*fakeLink),
	}
}

func (g *gateTransport) Open(ctx context.Context, remote domain.PeerID) (Link, error) {
	g.mu.Lock()
	g.ctxs[remote] = ctx
	g.mu.Unlock()

	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	near, _ := newPipe()
	g.mu.Lock()
	g.links[remote] = near
	g.mu.Unlock()
	return near, nil
}

func (g *gateTransport) open() { close(g.release) }

func (g *gateTransport) started() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.ctxs)
}

func (g *gateTransport) attempt(p domain.PeerID) context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctxs[p]
}

func (g *gateTransport) link(p domain.PeerID) *fakeLink {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.links[p]
}
