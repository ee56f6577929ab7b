package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/realcast/chatcore/internal/domain"
	"github.com/realcast/chatcore/internal/protocol"
	"github.com/realcast/chatcore/internal/registry"
)

// MessageDeleter soft-deletes a message in the collaborator log store.
type MessageDeleter interface {
	MarkDeleted(ctx context.Context, roomID string, messageID uuid.UUID) error
}

// Engine is the moderation state machine. It authorizes chat actions against
// the Store and executes privileged operations: each writes the fact, notifies
// the room, and raises a domain event. Ban additionally kicks the target.
type Engine struct {
	store    Store
	roles    domain.RoleLookup
	rooms    *registry.Registry
	messages MessageDeleter
	events   domain.EventPublisher
	clock    clockwork.Clock
}

func NewEngine(store Store, roles domain.RoleLookup, rooms *registry.Registry, messages MessageDeleter, events domain.EventPublisher, clock clockwork.Clock) *Engine {
	return &Engine{
		store:    store,
		roles:    roles,
		rooms:    rooms,
		messages: messages,
		events:   events,
		clock:    clock,
	}
}

// Authorize decides whether the user may send a message in the room right
// now. Checks run in priority order: ban, then mute, then slow mode; the
// first violated check wins. Store unavailability fails the authorization
// so a message is never broadcast on unverifiable state.
func (e *Engine) Authorize(ctx context.Context, roomID, userID string) error {
	now := e.clock.Now()

	ban, ok, err := e.store.GetEntry(ctx, roomID, userID, domain.EntryBan)
	if err != nil {
		return fmt.Errorf("ban check: %w", err)
	}
	if ok && ban.ActiveAt(now) {
		return domain.Banned(ban.Remaining(now))
	}

	mute, ok, err := e.store.GetEntry(ctx, roomID, userID, domain.EntryMute)
	if err != nil {
		return fmt.Errorf("mute check: %w", err)
	}
	if ok && mute.ActiveAt(now) {
		return domain.Muted(mute.Remaining(now))
	}

	slow, ok, err := e.store.GetEntry(ctx, roomID, "", domain.EntrySlowMode)
	if err != nil {
		return fmt.Errorf("slow mode check: %w", err)
	}
	if ok && slow.ActiveAt(now) && slow.Interval > 0 {
		last, found, err := e.store.GetLastAccepted(ctx, roomID, userID)
		if err != nil {
			return fmt.Errorf("slow mode check: %w", err)
		}
		if found {
			if wait := slow.Interval - now.Sub(last); wait > 0 {
				return domain.SlowModeWait(wait)
			}
		}
	}

	return nil
}

// RecordAccepted stores the user's last-accepted-message marker used by the
// slow-mode check.
func (e *Engine) RecordAccepted(ctx context.Context, roomID, userID string) error {
	return e.store.SetLastAccepted(ctx, roomID, userID, e.clock.Now())
}

// Ban bans the target in the room, permanently when duration is zero, and
// forcibly removes the target's connections from the room.
func (e *Engine) Ban(ctx context.Context, actor domain.Principal, roomID, targetID string, duration time.Duration) error {
	if err := e.requireModerator(ctx, actor, roomID); err != nil {
		return err
	}

	entry := domain.ModerationEntry{RoomID: roomID, UserID: targetID, Kind: domain.EntryBan}
	if duration > 0 {
		entry.ExpiresAt = e.clock.Now().Add(duration)
	}
	if err := e.store.SetEntry(ctx, entry); err != nil {
		return fmt.Errorf("ban: %w", err)
	}

	e.rooms.Kick(roomID, targetID)
	e.notify(roomID, protocol.ServerFrame{
		Type:       protocol.TypeNotice,
		Notice:     protocol.NoticeBanned,
		RoomID:     roomID,
		UserID:     targetID,
		DurationMs: duration.Milliseconds(),
	})
	e.publish(ctx, domain.EventUserBanned, actor.TenantID, roomID, map[string]any{
		"user_id":     targetID,
		"banned_by":   actor.UserID,
		"duration_ms": duration.Milliseconds(),
	})

	slog.InfoContext(ctx, "User banned", "room", roomID, "target", targetID, "by", actor.UserID, "duration", duration)
	return nil
}

// Unban clears a ban explicitly.
func (e *Engine) Unban(ctx context.Context, actor domain.Principal, roomID, targetID string) error {
	if err := e.requireModerator(ctx, actor, roomID); err != nil {
		return err
	}
	if err := e.store.ClearEntry(ctx, roomID, targetID, domain.EntryBan); err != nil {
		return fmt.Errorf("unban: %w", err)
	}

	e.notify(roomID, protocol.ServerFrame{
		Type:   protocol.TypeNotice,
		Notice: protocol.NoticeUnbanned,
		RoomID: roomID,
		UserID: targetID,
	})
	e.publish(ctx, domain.EventUserUnbanned, actor.TenantID, roomID, map[string]any{
		"user_id":     targetID,
		"unbanned_by": actor.UserID,
	})
	return nil
}

// Mute silences the target in the room, permanently when duration is zero.
func (e *Engine) Mute(ctx context.Context, actor domain.Principal, roomID, targetID string, duration time.Duration) error {
	if err := e.requireModerator(ctx, actor, roomID); err != nil {
		return err
	}

	entry := domain.ModerationEntry{RoomID: roomID, UserID: targetID, Kind: domain.EntryMute}
	if duration > 0 {
		entry.ExpiresAt = e.clock.Now().Add(duration)
	}
	if err := e.store.SetEntry(ctx, entry); err != nil {
		return fmt.Errorf("mute: %w", err)
	}

	e.notify(roomID, protocol.ServerFrame{
		Type:       protocol.TypeNotice,
		Notice:     protocol.NoticeMuted,
		RoomID:     roomID,
		UserID:     targetID,
		DurationMs: duration.Milliseconds(),
	})
	e.publish(ctx, domain.EventUserMuted, actor.TenantID, roomID, map[string]any{
		"user_id":     targetID,
		"muted_by":    actor.UserID,
		"duration_ms": duration.Milliseconds(),
	})
	return nil
}

// Unmute clears a mute explicitly.
func (e *Engine) Unmute(ctx context.Context, actor domain.Principal, roomID, targetID string) error {
	if err := e.requireModerator(ctx, actor, roomID); err != nil {
		return err
	}
	if err := e.store.ClearEntry(ctx, roomID, targetID, domain.EntryMute); err != nil {
		return fmt.Errorf("unmute: %w", err)
	}

	e.notify(roomID, protocol.ServerFrame{
		Type:   protocol.TypeNotice,
		Notice: protocol.NoticeUnmuted,
		RoomID: roomID,
		UserID: targetID,
	})
	e.publish(ctx, domain.EventUserUnmuted, actor.TenantID, roomID, map[string]any{
		"user_id":     targetID,
		"unmuted_by":  actor.UserID,
	})
	return nil
}

// SetSlowMode switches the room-wide slow mode on with the given interval,
// or off.
func (e *Engine) SetSlowMode(ctx context.Context, actor domain.Principal, roomID string, enabled bool, interval time.Duration) error {
	if err := e.requireModerator(ctx, actor, roomID); err != nil {
		return err
	}
	if enabled && interval <= 0 {
		return domain.InvalidMessage("slow mode interval must be positive")
	}

	if enabled {
		entry := domain.ModerationEntry{RoomID: roomID, Kind: domain.EntrySlowMode, Interval: interval}
		if err := e.store.SetEntry(ctx, entry); err != nil {
			return fmt.Errorf("set slow mode: %w", err)
		}
	} else {
		if err := e.store.ClearEntry(ctx, roomID, "", domain.EntrySlowMode); err != nil {
			return fmt.Errorf("clear slow mode: %w", err)
		}
	}

	e.notify(roomID, protocol.ServerFrame{
		Type:       protocol.TypeNotice,
		Notice:     protocol.NoticeSlowModeChanged,
		RoomID:     roomID,
		Enabled:    enabled,
		IntervalMs: interval.Milliseconds(),
	})
	e.publish(ctx, domain.EventSlowModeChanged, actor.TenantID, roomID, map[string]any{
		"enabled":     enabled,
		"interval_ms": interval.Milliseconds(),
		"changed_by":  actor.UserID,
	})
	return nil
}

// DeleteMessage soft-deletes a message in the log store and notifies the room.
func (e *Engine) DeleteMessage(ctx context.Context, actor domain.Principal, roomID string, messageID uuid.UUID) error {
	if err := e.requireModerator(ctx, actor, roomID); err != nil {
		return err
	}
	if err := e.messages.MarkDeleted(ctx, roomID, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	e.notify(roomID, protocol.ServerFrame{
		Type:      protocol.TypeNotice,
		Notice:    protocol.NoticeMessageDeleted,
		RoomID:    roomID,
		MessageID: messageID.String(),
	})
	e.publish(ctx, domain.EventMessageDeleted, actor.TenantID, roomID, map[string]any{
		"message_id": messageID.String(),
		"deleted_by": actor.UserID,
	})
	return nil
}

// requireModerator gates every privileged operation on the collaborator's
// role lookup. Lookup failure denies (fail closed).
func (e *Engine) requireModerator(ctx context.Context, actor domain.Principal, roomID string) error {
	allowed, err := e.roles.IsModerator(ctx, actor.TenantID, roomID, actor.UserID)
	if err != nil {
		slog.WarnContext(ctx, "Role lookup failed, denying moderation action",
			"room", roomID, "user", actor.UserID, "error", err)
		return domain.PermissionDenied()
	}
	if !allowed {
		return domain.PermissionDenied()
	}
	return nil
}

func (e *Engine) notify(roomID string, frame protocol.ServerFrame) {
	e.rooms.Broadcast(roomID, protocol.Encode(frame), uuid.Nil)
}

func (e *Engine) publish(ctx context.Context, kind domain.EventKind, tenantID, roomID string, data map[string]any) {
	e.events.Publish(ctx, domain.Event{
		ID:         uuid.New(),
		Kind:       kind,
		TenantID:   tenantID,
		RoomID:     roomID,
		Data:       data,
		OccurredAt: e.clock.Now(),
	})
}
