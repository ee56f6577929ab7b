// Package chat implements the inbound message pipeline: validation,
// moderation, persistence through the collaborator log store, and broadcast.
package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/realcast/chatcore/internal/domain"
)

// MessageLog is the durable collaborator store for chat messages: append plus
// range-query by room and time. Messages are soft-deleted, never removed.
type MessageLog interface {
	Append(ctx context.Context, msg domain.Message) error
	// Range returns the most recent non-deleted messages strictly older than
	// before, ordered oldest-first, capped at limit.
	Range(ctx context.Context, roomID string, before time.Time, limit int) ([]domain.Message, error)
	MarkDeleted(ctx context.Context, roomID string, messageID uuid.UUID) error
}

// InMemoryLog keeps messages in process memory for single-box mode and tests.
type InMemoryLog struct {
	mu    sync.Mutex
	rooms map[string][]domain.Message
}

func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{rooms: make(map[string][]domain.Message)}
}

func (l *InMemoryLog) Append(_ context.Context, msg domain.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms[msg.RoomID] = append(l.rooms[msg.RoomID], msg)
	return nil
}

func (l *InMemoryLog) Range(_ context.Context, roomID string, before time.Time, limit int) ([]domain.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []domain.Message
	for _, msg := range l.rooms[roomID] {
		if !msg.Deleted && msg.SentAt.Before(before) {
			matched = append(matched, msg)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].SentAt.Before(matched[j].SentAt) })

	// Most recent `limit` of the matches, still oldest-first.
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (l *InMemoryLog) MarkDeleted(_ context.Context, roomID string, messageID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := l.rooms[roomID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Deleted = true
			return nil
		}
	}
	return domain.ErrMessageNotFound
}
