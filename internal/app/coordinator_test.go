package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Envelope
	full   bool
	closed bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return core.ErrConnectionClosed
	}
	if f.full {
		return core.ErrBackpressure
	}
	var env core.Envelope
	if err := json.Unmarshal(fr, &env); err != nil {
		return err
	}
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) take() []core.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func newTestCoordinator(t *testing.T, sids ...core.SessionID) (*Coordinator, map[core.SessionID]*fakeConn) {
	t.Helper()
	c := NewCoordinator(core.NewPresenceStore(), KickPolicy{})
	conns := make(map[core.SessionID]*fakeConn, len(sids))
	for _, sid := range sids {
		fc := &fakeConn{}
		require.True(t, c.Connect(sid, fc))
		conns[sid] = fc
	}
	return c, conns
}

func TestJoinSnapshotAndNotifications(t *testing.T) {
	c, conns := newTestCoordinator(t, "a", "b", "c")

	require.NoError(t, c.Join("a", "lobby", "A"))
	require.NoError(t, c.Join("b", "lobby", "B"))
	conns["a"].take()
	conns["b"].take()

	require.NoError(t, c.Join("c", "lobby", "C"))

	got := conns["c"].take()
	require.Len(t, got, 1)
	assert.Equal(t, core.TypeSnapshot, got[0].Type)
	assert.Equal(t, []domain.PeerID{"A", "B"}, got[0].Peers)

	for _, sid := range []core.SessionID{"a", "b"} {
		got := conns[sid].take()
		require.Len(t, got, 1, "sid %s", sid)
		assert.Equal(t, core.PeerJoined("C"), got[0])
	}
}

func TestJoinValidation(t *testing.T) {
	c, conns := newTestCoordinator(t, "a")

	err := c.Join("a", "", "A")
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))

	err = c.Join("a", "lobby", "")
	require.True(t, errors.As(err, &ve))

	assert.Empty(t, conns["a"].take())
	assert.Empty(t, c.Presence.Rooms())
	_, _, ok := c.Registry.RoomOf("a")
	assert.False(t, ok)
}

func TestJoinUnknownSession(t *testing.T) {
	c, _ := newTestCoordinator(t)
	assert.ErrorIs(t, c.Join("ghost", "lobby", "A"), ErrUnknownSession)
}

func TestLeaveIsIdempotent(t *testing.T) {
	c, conns := newTestCoordinator(t, "a", "b")
	require.NoError(t, c.Join("a", "lobby", "A"))
	require.NoError(t, c.Join("b", "lobby", "B"))
	conns["a"].take()

	assert.True(t, c.Leave("b"))
	assert.False(t, c.Leave("b"))
	c.Disconnect("b")
	c.Disconnect("b")

	got := conns["a"].take()
	require.Len(t, got, 1)
	assert.Equal(t, core.PeerLeft("B"), got[0])
}

func TestLeaveWithoutJoinSendsNothing(t *testing.T) {
	c, conns := newTestCoordinator(t, "a", "b")
	require.NoError(t, c.Join("a", "lobby", "A"))
	conns["a"].take()

	assert.False(t, c.Leave("b"))
	c.Disconnect("b")
	assert.Empty(t, conns["a"].take())
}

func TestRoomRecreatedEmpty(t *testing.T) {
	c, conns := newTestCoordinator(t, "a", "b")
	require.NoError(t, c.Join("a", "lobby", "A"))
	c.Disconnect("a")
	assert.Empty(t, c.Presence.Rooms())

	require.NoError(t, c.Join("b", "lobby", "B"))
	got := conns["b"].take()
	require.Len(t, got, 1)
	assert.Equal(t, core.TypeSnapshot, got[0].Type)
	assert.Empty(t, got[0].Peers)
}

func TestSecondJoinLeavesPreviousRoom(t *testing.T) {
	c, conns := newTestCoordinator(t, "a", "b", "x")
	require.NoError(t, c.Join("a", "one", "A"))
	require.NoError(t, c.Join("b", "one", "B"))
	require.NoError(t, c.Join("x", "two", "X"))
	for _, fc := range conns {
		fc.take()
	}

	require.NoError(t, c.Join("b", "two", "B"))

	assert.Equal(t, []core.Envelope{core.PeerLeft("B")}, conns["a"].take())
	assert.Equal(t, []core.Envelope{core.PeerJoined("B")}, conns["x"].take())
	got := conns["b"].take()
	require.Len(t, got, 1)
	assert.Equal(t, []domain.PeerID{"X"}, got[0].Peers)

	assert.Equal(t, []domain.PeerID{"A"}, c.Presence.Peers("one"))
	assert.Equal(t, []domain.PeerID{"X", "B"}, c.Presence.Peers("two"))
}

func TestDisconnectStopsNotifications(t *testing.T) {
	c, conns := newTestCoordinator(t, "a", "b")
	require.NoError(t, c.Join("a", "lobby", "A"))
	c.Disconnect("a")
	conns["a"].take()

	require.NoError(t, c.Join("b", "lobby", "B"))
	assert.Empty(t, conns["a"].take())
	assert.ErrorIs(t, c.Join("a", "lobby", "A"), ErrUnknownSession)
}

func TestSlowMemberIsKicked(t *testing.T) {
	c, conns := newTestCoordinator(t, "a", "b", "c")
	require.NoError(t, c.Join("a", "lobby", "A"))
	require.NoError(t, c.Join("b", "lobby", "B"))
	conns["a"].take()
	conns["b"].take()

	conns["a"].mu.Lock()
	conns["a"].full = true
	conns["a"].mu.Unlock()

	require.NoError(t, c.Join("c", "lobby", "C"))

	assert.Equal(t, []domain.PeerID{"B", "C"}, c.Presence.Peers("lobby"))
	assert.True(t, conns["a"].closed)
	assert.Equal(t, []core.Envelope{core.PeerJoined("C"), core.PeerLeft("A")}, conns["b"].take())
}

func TestDropPolicyKeepsSlowMember(t *testing.T) {
	c := NewCoordinator(core.NewPresenceStore(), DropPolicy{})
	slow := &fakeConn{full: true}
	require.True(t, c.Connect("a", slow))
	require.True(t, c.Connect("b", &fakeConn{}))
	require.NoError(t, c.Join("a", "lobby", "A"))
	require.NoError(t, c.Join("b", "lobby", "B"))

	assert.Equal(t, []domain.PeerID{"A", "B"}, c.Presence.Peers("lobby"))
	assert.False(t, slow.closed)
}

func TestRelay(t *testing.T) {
	c, conns := newTestCoordinator(t, "a", "b", "c", "out")
	require.NoError(t, c.Join("a", "lobby", "A"))
	require.NoError(t, c.Join("b", "lobby", "B"))
	require.NoError(t, c.Join("c", "other", "B"))
	for _, fc := range conns {
		fc.take()
	}

	require.NoError(t, c.Relay("a", "B", json.RawMessage(`{"kind":"offer"}`)))
	got := conns["b"].take()
	require.Len(t, got, 1)
	assert.Equal(t, core.TypeSignal, got[0].Type)
	assert.Equal(t, domain.PeerID("A"), got[0].From)
	assert.JSONEq(t, `{"kind":"offer"}`, string(got[0].Data))
	assert.Empty(t, conns["c"].take(), "relay must stay inside the sender's room")

	assert.ErrorIs(t, c.Relay("a", "Z", nil), ErrUnknownPeer)
	assert.ErrorIs(t, c.Relay("out", "A", nil), ErrNotInRoom)
}

func TestConcurrentJoinsSameRoomConverge(t *testing.T) {
	const n = 32
	sids := make([]core.SessionID, n)
	for i := range sids {
		sids[i] = core.SessionID(fmt.Sprintf("s%02d", i))
	}
	c, conns := newTestCoordinator(t, sids...)

	var wg sync.WaitGroup
	for _, sid := range sids {
		wg.Add(1)
		go func(sid core.SessionID) {
			defer wg.Done()
			assert.NoError(t, c.Join(sid, "lobby", domain.PeerID(sid)))
		}(sid)
	}
	wg.Wait()

	// Snapshot plus later peer-joined notifications give every member the
	// full room, with no duplicates and never itself.
	for _, sid := range sids {
		seen := map[domain.PeerID]int{}
		for _, env := range conns[sid].take() {
			switch env.Type {
			case core.TypeSnapshot:
				for _, p := range env.Peers {
					seen[p]++
				}
			case core.TypePeerJoined:
				seen[env.Peer]++
			}
		}
		assert.Len(t, seen, n-1, "sid %s", sid)
		assert.NotContains(t, seen, domain.PeerID(sid))
		for p, count := range seen {
			assert.Equal(t, 1, count, "sid %s saw %s %d times", sid, p, count)
		}
	}
}

func TestConcurrentJoinsDifferentRooms(t *testing.T) {
	c, _ := newTestCoordinator(t, "a", "b")

	// Hold room one's lock; a join to room two must still complete.
	require.NoError(t, c.Join("a", "one", "A"))
	entered := make(chan struct{})
	release := make(chan struct{})
	go c.Presence.View("one", func([]core.Entry) {
		close(entered)
		<-release
	})
	<-entered
	defer close(release)

	done := make(chan error, 1)
	go func() { done <- c.Join("b", "two", "B") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("join to room two blocked behind room one")
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	c, conns := newTestCoordinator(t, "a", "b")
	require.NoError(t, c.Join("a", "lobby", "A"))
	require.NoError(t, c.Join("b", "lobby", "B"))

	c.Shutdown()

	assert.Zero(t, c.Registry.Len())
	assert.Empty(t, c.Presence.Rooms())
	for _, fc := range conns {
		assert.True(t, fc.closed)
	}
}
