package roomstore

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = time.Minute

// MemoryStore keeps room records in a mutex-guarded table. Expiry is checked
// lazily on every read and swept in the background; the table lock is held
// for the whole read-modify-write, so a room can never flicker between
// present and absent inside an in-flight mutation.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	rooms map[string]*Room

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		ttl:   ttl,
		rooms: make(map[string]*Room),
		stop:  make(chan struct{}),
	}
	go s.sweep()
	return s
}

// live returns the record for roomID, reaping it first when expired.
// Callers must hold s.mu.
func (s *MemoryStore) live(roomID string) (*Room, bool) {
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, false
	}
	if time.Now().After(room.ExpiresAt) {
		delete(s.rooms, roomID)
		return nil, false
	}
	return room, true
}

func (s *MemoryStore) Create(_ context.Context, roomID string, room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(roomID); ok {
		return ErrRoomExists
	}

	record := room.Clone()
	record.ExpiresAt = time.Now().Add(s.ttl)
	s.rooms[roomID] = record
	return nil
}

func (s *MemoryStore) Get(_ context.Context, roomID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.live(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, roomID string, mutate func(*Room) error) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.live(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}

	record := room.Clone()
	if err := mutate(record); err != nil {
		return nil, err
	}
	record.ExpiresAt = time.Now().Add(s.ttl)
	s.rooms[roomID] = record
	return record.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, roomID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) (map[string]*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]*Room, len(s.rooms))
	for roomID := range s.rooms {
		if room, ok := s.live(roomID); ok {
			result[roomID] = room.Clone()
		}
	}
	return result, nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for roomID, room := range s.rooms {
				if now.After(room.ExpiresAt) {
					delete(s.rooms, roomID)
				}
			}
			s.mu.Unlock()
		}
	}
}

var _ Store = (*MemoryStore)(nil)
