package moderation

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/realcast/chatcore/internal/domain"
)

type entryKey struct {
	RoomID string
	UserID string
	Kind   domain.EntryKind
}

type markerKey struct {
	RoomID string
	UserID string
}

// InMemoryStore keeps moderation facts in process memory for single-box
// mode and tests. All operations take a single lock, so concurrent callers
// on the same key never observe a torn read-modify-write.
type InMemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[entryKey]domain.ModerationEntry
	markers map[markerKey]time.Time
}

func NewInMemoryStore(clock clockwork.Clock) *InMemoryStore {
	return &InMemoryStore{
		clock:   clock,
		entries: make(map[entryKey]domain.ModerationEntry),
		markers: make(map[markerKey]time.Time),
	}
}

func (s *InMemoryStore) SetEntry(_ context.Context, entry domain.ModerationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entryKey{entry.RoomID, entry.UserID, entry.Kind}] = entry
	return nil
}

func (s *InMemoryStore) GetEntry(_ context.Context, roomID, userID string, kind domain.EntryKind) (domain.ModerationEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{roomID, userID, kind}
	entry, ok := s.entries[key]
	if !ok {
		return domain.ModerationEntry{}, false, nil
	}
	if !entry.ActiveAt(s.clock.Now()) {
		delete(s.entries, key)
		return domain.ModerationEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *InMemoryStore) ClearEntry(_ context.Context, roomID, userID string, kind domain.EntryKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entryKey{roomID, userID, kind})
	return nil
}

func (s *InMemoryStore) SetLastAccepted(_ context.Context, roomID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[markerKey{roomID, userID}] = at
	return nil
}

func (s *InMemoryStore) GetLastAccepted(_ context.Context, roomID, userID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.markers[markerKey{roomID, userID}]
	return at, ok, nil
}
