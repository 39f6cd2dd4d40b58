package mesh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
)

type State int32

const (
	StateAbsent State = iota
	StatePending
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "absent"
	}
}

// record is the connection to one remote identity. state is read without
// locks on the send path; link and outbound change only under mu.
type record struct {
	peer  domain.PeerID
	state atomic.Int32

	mu       sync.Mutex
	link     Link
	outbound bool
	dialCtx  context.Context
	cancel   context.CancelFunc
	dialing  bool
}

func newRecord(peer domain.PeerID) *record {
	r := &record{peer: peer}
	r.state.Store(int32(StatePending))
	return r
}

// arm prepares the outbound attempt. The deadline runs from here, so a
// record closed before its dial starts still cancels it.
func (r *record) arm(parent context.Context, timeout time.Duration) {
	r.mu.Lock()
	r.dialCtx, r.cancel = context.WithTimeout(parent, timeout)
	r.dialing = true
	r.mu.Unlock()
}

func (r *record) attempt() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dialCtx
}

// dialFinished marks the outbound attempt as returned and releases its
// context.
func (r *record) dialFinished() {
	r.mu.Lock()
	r.dialing = false
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
}

func (r *record) dialInFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dialing
}

// markPending drops the held link and waits for the outbound attempt.
func (r *record) markPending() {
	r.mu.Lock()
	r.link = nil
	r.outbound = false
	r.mu.Unlock()
	r.state.Store(int32(StatePending))
}

func (r *record) State() State {
	return State(r.state.Load())
}

func (r *record) markOpen(link Link, outbound bool) {
	r.mu.Lock()
	r.link = link
	r.outbound = outbound
	r.mu.Unlock()
	r.state.Store(int32(StateOpen))
}

// markClosed moves the record to closed and returns the link it held, if
// any. Safe to call more than once.
func (r *record) markClosed() Link {
	r.state.Store(int32(StateClosed))
	r.mu.Lock()
	defer r.mu.Unlock()
	link := r.link
	r.link = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	return link
}

func (r *record) current() (Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link, r.outbound
}
