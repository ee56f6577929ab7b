package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// --- Model types ---

// Principal is a verified identity attached to a connection.
type Principal struct {
	TenantID    string
	UserID      string
	DisplayName string
}

// Message is a chat message accepted by the pipeline. Immutable once
// accepted; Deleted is the only field that changes afterwards (soft delete).
type Message struct {
	ID          uuid.UUID `json:"id"`
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sent_at"`
	Deleted     bool      `json:"-"`
}

// EntryKind distinguishes the three kinds of moderation facts.
type EntryKind string

const (
	EntryBan      EntryKind = "ban"
	EntryMute     EntryKind = "mute"
	EntrySlowMode EntryKind = "slow_mode"
)

// ModerationEntry is a time-bound fact about (room, user). For slow mode the
// entry is room-wide: UserID is empty and Interval carries the minimum gap
// between a single user's accepted messages.
type ModerationEntry struct {
	RoomID    string
	UserID    string
	Kind      EntryKind
	ExpiresAt time.Time     // zero value means permanent until cleared
	Interval  time.Duration // slow mode only
}

// ActiveAt reports whether the entry is still in force at the given instant.
// Expiry is evaluated lazily at check time; no background sweep exists.
func (e ModerationEntry) ActiveAt(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// Remaining returns the time left until expiry, or zero for permanent entries.
func (e ModerationEntry) Remaining(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// EventKind identifies a domain event eligible for webhook delivery.
type EventKind string

const (
	EventStreamLive      EventKind = "stream.live"
	EventStreamOffline   EventKind = "stream.offline"
	EventRecordingReady  EventKind = "recording.ready"
	EventUserBanned      EventKind = "user.banned"
	EventUserUnbanned    EventKind = "user.unbanned"
	EventUserMuted       EventKind = "user.muted"
	EventUserUnmuted     EventKind = "user.unmuted"
	EventMessageDeleted  EventKind = "message.deleted"
	EventSlowModeChanged EventKind = "room.slow_mode_changed"
)

// Event is a typed fact raised by a core component or an external
// collaborator, consumed once per matching subscription by the dispatcher.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Kind       EventKind      `json:"event"`
	TenantID   string         `json:"tenant_id"`
	RoomID     string         `json:"room_id"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Subscription is a tenant-owned webhook registration. The control plane owns
// these records; the dispatcher reads them as configuration.
type Subscription struct {
	ID       uuid.UUID
	TenantID string
	URL      string
	Events   []EventKind
	Secret   string
	Active   bool
}

// Subscribed reports whether the subscription wants the given event kind.
func (s Subscription) Subscribed(kind EventKind) bool {
	for _, k := range s.Events {
		if k == kind {
			return true
		}
	}
	return false
}

// DeliveryOutcome is the terminal state of one delivery attempt.
type DeliveryOutcome string

const (
	DeliveryDelivered DeliveryOutcome = "delivered"
	DeliveryFailed    DeliveryOutcome = "failed"
	DeliveryDead      DeliveryOutcome = "dead"
)

// DeliveryAttempt records one try at delivering an event to a subscription.
// Attempt numbers are strictly increasing per (event, subscription).
type DeliveryAttempt struct {
	EventID        uuid.UUID
	SubscriptionID uuid.UUID
	Attempt        int
	Outcome        DeliveryOutcome
	StatusCode     int
	Error          string
	NextRetryAt    time.Time
	At             time.Time
}

// --- Collaborator interfaces ---

// RoleLookup answers whether a user may perform moderation actions in a room.
// Backed by the app/stream management service.
type RoleLookup interface {
	IsModerator(ctx context.Context, tenantID, roomID, userID string) (bool, error)
}

// SubscriptionSource lists a tenant's active webhook subscriptions for an
// event kind. Backed by the control plane; read-only to this core.
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context, tenantID string, kind EventKind) ([]Subscription, error)
}

// EventPublisher accepts domain events for webhook dispatch. Publishing is
// fire-and-forget: delivery failures never surface to the producer.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}
