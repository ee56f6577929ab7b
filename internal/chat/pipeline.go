package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/realcast/chatcore/internal/domain"
	"github.com/realcast/chatcore/internal/metrics"
	"github.com/realcast/chatcore/internal/moderation"
	"github.com/realcast/chatcore/internal/protocol"
	"github.com/realcast/chatcore/internal/registry"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	maxEmoteLength      = 16
)

// Pipeline accepts inbound chat actions from verified connections.
type Pipeline struct {
	log     MessageLog
	engine  *moderation.Engine
	rooms   *registry.Registry
	clock   clockwork.Clock
	maxBody int
}

func NewPipeline(log MessageLog, engine *moderation.Engine, rooms *registry.Registry, clock clockwork.Clock, maxBody int) *Pipeline {
	return &Pipeline{
		log:     log,
		engine:  engine,
		rooms:   rooms,
		clock:   clock,
		maxBody: maxBody,
	}
}

// SendMessage validates and authorizes the message, persists it, then
// broadcasts it to the room including the sender (client-side confirmation).
// Any rejection is returned to the sender only; nothing is broadcast.
func (p *Pipeline) SendMessage(ctx context.Context, sender *registry.Connection, roomID, body string) (domain.Message, error) {
	if strings.TrimSpace(body) == "" {
		p.countRejection(domain.CodeInvalidMessage)
		return domain.Message{}, domain.InvalidMessage("message body is empty")
	}
	if utf8.RuneCountInString(body) > p.maxBody {
		p.countRejection(domain.CodeInvalidMessage)
		return domain.Message{}, domain.InvalidMessage(fmt.Sprintf("message exceeds %d characters", p.maxBody))
	}
	// Moderation is checked before membership: a banned user was kicked from
	// the room, and the rejection they see must still say banned, not
	// invalid_message.
	userID := sender.Principal.UserID
	if err := p.engine.Authorize(ctx, roomID, userID); err != nil {
		if rej, ok := domain.AsRejection(err); ok {
			p.countRejection(rej.Code)
			return domain.Message{}, err
		}
		// Moderation store unavailable: never broadcast on unverifiable state.
		slog.ErrorContext(ctx, "Authorize failed", "room", roomID, "user", userID, "error", err)
		p.countRejection(domain.CodeInternal)
		return domain.Message{}, fmt.Errorf("authorize: %w", err)
	}
	if !p.rooms.IsMember(roomID, sender) {
		p.countRejection(domain.CodeInvalidMessage)
		return domain.Message{}, domain.InvalidMessage("not a member of this room")
	}

	msg := domain.Message{
		ID:          uuid.New(),
		RoomID:      roomID,
		UserID:      userID,
		DisplayName: sender.Principal.DisplayName,
		Body:        body,
		SentAt:      p.clock.Now(),
	}

	if err := p.log.Append(ctx, msg); err != nil {
		// A message that could not be durably recorded must not be broadcast.
		slog.ErrorContext(ctx, "Message log append failed", "room", roomID, "error", err)
		p.countRejection(domain.CodeInternal)
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}

	p.rooms.Broadcast(roomID, protocol.Encode(protocol.ServerFrame{
		Type:    protocol.TypeMessage,
		RoomID:  roomID,
		Message: &msg,
	}), uuid.Nil)
	metrics.MessagesAccepted.Inc()
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeMessage).Inc()

	// The marker drives future slow-mode checks; the message already stands.
	if err := p.engine.RecordAccepted(ctx, roomID, userID); err != nil {
		slog.WarnContext(ctx, "Failed to record last-accepted marker", "room", roomID, "user", userID, "error", err)
	}

	return msg, nil
}

// RequestHistory reads recent non-deleted messages from the log store. No
// moderation gating applies.
func (p *Pipeline) RequestHistory(ctx context.Context, roomID string, before time.Time, limit int) ([]domain.Message, error) {
	if before.IsZero() {
		before = p.clock.Now()
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, err := p.log.Range(ctx, roomID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return msgs, nil
}

// Typing broadcasts a typing indicator to the room, excluding the sender.
// Fire-and-forget: no persistence, no moderation check.
func (p *Pipeline) Typing(sender *registry.Connection, roomID string, isTyping bool) {
	if !p.rooms.IsMember(roomID, sender) {
		return
	}
	p.rooms.Broadcast(roomID, protocol.Encode(protocol.ServerFrame{
		Type:        protocol.TypeTyping,
		RoomID:      roomID,
		UserID:      sender.Principal.UserID,
		DisplayName: sender.Principal.DisplayName,
		IsTyping:    isTyping,
	}), sender.ID)
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeTyping).Inc()
}

// Reaction broadcasts an emote to the room including the sender. Reactions
// are not persisted and not moderated beyond basic validation.
func (p *Pipeline) Reaction(sender *registry.Connection, roomID, emote string) error {
	if emote == "" || utf8.RuneCountInString(emote) > maxEmoteLength {
		return domain.InvalidMessage("invalid reaction emote")
	}
	if !p.rooms.IsMember(roomID, sender) {
		return domain.InvalidMessage("not a member of this room")
	}
	p.rooms.Broadcast(roomID, protocol.Encode(protocol.ServerFrame{
		Type:        protocol.TypeReaction,
		RoomID:      roomID,
		UserID:      sender.Principal.UserID,
		DisplayName: sender.Principal.DisplayName,
		Emote:       emote,
	}), uuid.Nil)
	metrics.BroadcastsTotal.WithLabelValues(protocol.TypeReaction).Inc()
	return nil
}

func (p *Pipeline) countRejection(code domain.RejectionCode) {
	metrics.MessagesRejected.WithLabelValues(string(code)).Inc()
}
