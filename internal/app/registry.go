package app

import (
	"sync"

	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// session is the coordinator's local state for one signaling connection.
// mu serializes join/leave/disconnect for that connection.
type session struct {
	mu     sync.Mutex
	sid    core.SessionID
	conn   core.SignalConnection
	room   domain.RoomName
	peer   domain.PeerID
	closed bool
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]*session)}
}

// Bind registers a connection. It reports false when sid is already bound.
func (r *Registry) Bind(sid core.SessionID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; ok {
		log.Warn().Str("module", "app.registry").Str("sid", string(sid)).Msg("sid already bound")
		return false
	}
	r.sessions[sid] = &session{sid: sid, conn: conn}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
	return true
}

func (r *Registry) get(sid core.SessionID) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sid]
	return s, ok
}

// unbind forgets s. Callers must not hold s.mu.
func (r *Registry) unbind(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.sid]; ok && cur == s {
		delete(r.sessions, s.sid)
		log.Info().Str("module", "app.registry").Str("sid", string(s.sid)).Msg("unbind session")
	}
}

// RoomOf reports the room and identity sid currently holds.
func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomName, domain.PeerID, bool) {
	s, ok := r.get(sid)
	if !ok {
		return "", "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == "" {
		return "", "", false
	}
	return s.room, s.peer, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) all() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
