package core

import (
	"sort"
	"sync"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomSet is one room's membership. Every read and write of members happens
// under mu; dead is set once the set has emptied and been unlinked from the
// store, after which the set must not be reused.
type roomSet struct {
	name    domain.RoomName
	mu      sync.Mutex
	members map[SessionID]member
	seq     uint64
	dead    bool
}

type member struct {
	Entry
	seq uint64
}

// ordered returns members in join order, skipping skip.
func (r *roomSet) ordered(skip SessionID) []Entry {
	ms := make([]member, 0, len(r.members))
	for sid, m := range r.members {
		if sid == skip {
			continue
		}
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].seq < ms[j].seq })
	out := make([]Entry, len(ms))
	for i, m := range ms {
		out[i] = m.Entry
	}
	return out
}

// PresenceStore maps rooms to membership entries. Each room is its own
// critical section; the room map lock is only held to look up or unlink a
// set and never while waiting on a room lock.
type PresenceStore struct {
	mu    sync.Mutex
	rooms map[domain.RoomName]*roomSet
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{rooms: make(map[domain.RoomName]*roomSet)}
}

// lockRoom returns the named set with its lock held, or nil when the room
// does not exist and create is false.
func (s *PresenceStore) lockRoom(name domain.RoomName, create bool) *roomSet {
	for {
		s.mu.Lock()
		rs, ok := s.rooms[name]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			rs = &roomSet{name: name, members: make(map[SessionID]member)}
			s.rooms[name] = rs
			log.Debug().Str("module", "core.presence").Str("room", string(name)).Msg("room created")
		}
		s.mu.Unlock()

		rs.mu.Lock()
		if !rs.dead {
			return rs
		}
		// Lost a race with the last leave; the set is already unlinked.
		rs.mu.Unlock()
	}
}

// unlink drops an emptied set. Caller holds rs.mu.
func (s *PresenceStore) unlink(rs *roomSet) {
	rs.dead = true
	s.mu.Lock()
	if s.rooms[rs.name] == rs {
		delete(s.rooms, rs.name)
	}
	s.mu.Unlock()
	log.Debug().Str("module", "core.presence").Str("room", string(rs.name)).Msg("room deleted")
}

// Join inserts e into room and calls fn with every other member, in join
// order, while the room is still locked. A repeated Join for the same SID
// replaces its entry in place.
func (s *PresenceStore) Join(room domain.RoomName, e Entry, fn func(others []Entry)) {
	rs := s.lockRoom(room, true)
	defer rs.mu.Unlock()

	seq := rs.seq
	if old, ok := rs.members[e.SID]; ok {
		seq = old.seq
	} else {
		rs.seq++
	}
	rs.members[e.SID] = member{Entry: e, seq: seq}
	log.Info().Str("module", "core.presence").Str("room", string(room)).Str("sid", string(e.SID)).Str("peer", string(e.Peer)).Msg("member added")

	if fn != nil {
		fn(rs.ordered(e.SID))
	}
}

// Leave removes sid from room. fn receives the removed entry and the
// remaining members while the room is still locked. It reports false, and
// does not call fn, when sid was not a member.
func (s *PresenceStore) Leave(room domain.RoomName, sid SessionID, fn func(left Entry, remaining []Entry)) bool {
	rs := s.lockRoom(room, false)
	if rs == nil {
		return false
	}
	defer rs.mu.Unlock()

	m, ok := rs.members[sid]
	if !ok {
		return false
	}
	delete(rs.members, sid)
	log.Info().Str("module", "core.presence").Str("room", string(room)).Str("sid", string(sid)).Str("peer", string(m.Peer)).Msg("member removed")

	remaining := rs.ordered("")
	if len(rs.members) == 0 {
		s.unlink(rs)
	}
	if fn != nil {
		fn(m.Entry, remaining)
	}
	return true
}

// View calls fn with the current members of room under its lock. It reports
// false when the room does not exist.
func (s *PresenceStore) View(room domain.RoomName, fn func(members []Entry)) bool {
	rs := s.lockRoom(room, false)
	if rs == nil {
		return false
	}
	defer rs.mu.Unlock()
	fn(rs.ordered(""))
	return true
}

// Peers returns the identities in room in join order; empty for unknown rooms.
func (s *PresenceStore) Peers(room domain.RoomName) []domain.PeerID {
	out := []domain.PeerID{}
	s.View(room, func(members []Entry) {
		for _, m := range members {
			out = append(out, m.Peer)
		}
	})
	return out
}

// Rooms lists live rooms sorted by name.
func (s *PresenceStore) Rooms() []domain.RoomInfo {
	s.mu.Lock()
	sets := make([]*roomSet, 0, len(s.rooms))
	for _, rs := range s.rooms {
		sets = append(sets, rs)
	}
	s.mu.Unlock()

	out := make([]domain.RoomInfo, 0, len(sets))
	for _, rs := range sets {
		rs.mu.Lock()
		if !rs.dead {
			out = append(out, domain.RoomInfo{Name: rs.name, MemberCount: len(rs.members)})
		}
		rs.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
