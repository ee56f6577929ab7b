// Package moderation holds the time-bound moderation facts (bans, mutes,
// slow-mode intervals) and the state machine that authorizes chat actions
// against them. Expiry is lazy: every read computes "active" from the stored
// expiry instant, so no background sweep is needed.
package moderation

import (
	"context"
	"time"

	"github.com/realcast/chatcore/internal/domain"
)

// Store is a key-addressed store of moderation facts with atomic
// set/check/clear operations. At most one active entry exists per
// (room, user, kind); slow mode is room-wide and stored with an empty user.
//
// Implementations must treat an expired entry as absent without requiring an
// explicit deletion step.
type Store interface {
	SetEntry(ctx context.Context, entry domain.ModerationEntry) error
	GetEntry(ctx context.Context, roomID, userID string, kind domain.EntryKind) (domain.ModerationEntry, bool, error)
	ClearEntry(ctx context.Context, roomID, userID string, kind domain.EntryKind) error

	// Last-accepted-message markers drive the slow-mode check.
	SetLastAccepted(ctx context.Context, roomID, userID string, at time.Time) error
	GetLastAccepted(ctx context.Context, roomID, userID string) (time.Time, bool, error)
}
