// Package trust answers whether a guest may join a room without asking the
// host.
package trust

import (
	"sort"
	"sync"
)

// Store is consulted synchronously during handshake validation.
type Store interface {
	IsTrusted(roomID, userID string) bool
}

// MemoryStore keeps trusted user ids per room in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]struct{})}
}

func (s *MemoryStore) IsTrusted(roomID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID][userID]
	return ok
}

func (s *MemoryStore) Add(roomID string, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		room = make(map[string]struct{})
		s.rooms[roomID] = room
	}
	for _, id := range userIDs {
		if id != "" {
			room[id] = struct{}{}
		}
	}
}

func (s *MemoryStore) Remove(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms[roomID], userID)
}

// Trusted lists a room's trusted user ids in sorted order.
func (s *MemoryStore) Trusted(roomID string) []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.rooms[roomID]))
	for id := range s.rooms[roomID] {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}
