package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/realcast/chatcore/internal/chat"
	"github.com/realcast/chatcore/internal/config"
	"github.com/realcast/chatcore/internal/domain"
	"github.com/realcast/chatcore/internal/identity"
	"github.com/realcast/chatcore/internal/metrics"
	"github.com/realcast/chatcore/internal/moderation"
	"github.com/realcast/chatcore/internal/platform/correlation"
	"github.com/realcast/chatcore/internal/protocol"
	"github.com/realcast/chatcore/internal/registry"
)

const maxInboundFrameBytes = 8192

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect from tenant-owned origins; the credential does the
	// gatekeeping, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SessionHandler owns the lifecycle of one websocket session: credential
// verification before upgrade, the read pump, action dispatch, and cleanup.
type SessionHandler struct {
	verifier identity.Verifier
	rooms    *registry.Registry
	pipeline *chat.Pipeline
	engine   *moderation.Engine
	clock    clockwork.Clock
	config   *config.Config

	active atomic.Int64
}

func NewSessionHandler(verifier identity.Verifier, rooms *registry.Registry, pipeline *chat.Pipeline, engine *moderation.Engine, clock clockwork.Clock, cfg *config.Config) *SessionHandler {
	return &SessionHandler{
		verifier: verifier,
		rooms:    rooms,
		pipeline: pipeline,
		engine:   engine,
		clock:    clock,
		config:   cfg,
	}
}

// session is the per-connection state threaded through dispatch.
type session struct {
	conn     *registry.Connection
	limiters map[string]*rate.Limiter
}

// Handle authenticates and upgrades one client connection, then runs its
// read pump until the client goes away.
func (h *SessionHandler) Handle(c echo.Context) error {
	ctx := c.Request().Context()

	credential := extractCredential(c)
	tenantID := c.QueryParam("tenant")
	principal, err := h.verifier.Verify(ctx, credential, tenantID)
	if err != nil {
		rej, ok := domain.AsRejection(err)
		if !ok {
			rej = domain.AuthenticationFailed("credential verification failed")
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"code":  string(rej.Code),
			"error": rej.Message,
		})
	}

	// Reserve the slot before upgrading so concurrent handshakes cannot
	// overshoot the limit between a check and a later increment.
	if h.active.Add(1) > int64(h.config.MaxConnections) {
		h.active.Add(-1)
		slog.WarnContext(ctx, "Connection limit reached, rejecting", "limit", h.config.MaxConnections)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "connection limit reached"})
	}

	wire, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.active.Add(-1)
		return nil
	}

	writer := registry.NewWireWriter(wire, h.clock, h.config.SendBufferSize)
	conn := registry.NewConnection(principal, writer)

	metrics.ConnectedClients.Inc()
	slog.InfoContext(ctx, "Session opened", "tenant", principal.TenantID, "user", principal.UserID, "connection", conn.ID)

	defer func() {
		h.rooms.Disconnect(conn, "connection closed")
		h.active.Add(-1)
		metrics.ConnectedClients.Dec()
		slog.InfoContext(ctx, "Session closed", "user", principal.UserID, "connection", conn.ID)
	}()

	sess := &session{
		conn: conn,
		limiters: map[string]*rate.Limiter{
			protocol.ActionMessage:  rate.NewLimiter(rate.Limit(h.config.MessageRate), h.config.MessageBurst),
			protocol.ActionReaction: rate.NewLimiter(rate.Limit(h.config.ReactionRate), h.config.ReactionBurst),
			"moderation":            rate.NewLimiter(rate.Limit(h.config.ModerationRate), h.config.ModerationBurst),
		},
	}

	h.readPump(ctx, wire, sess)
	return nil
}

func extractCredential(c echo.Context) string {
	if token := c.QueryParam("token"); token != "" {
		return token
	}
	auth := c.Request().Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

func (h *SessionHandler) readPump(ctx context.Context, wire *websocket.Conn, sess *session) {
	wire.SetReadLimit(maxInboundFrameBytes)

	for {
		_, data, err := wire.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "Read failed", "connection", sess.conn.ID, "error", err)
			}
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sess.conn.Send(protocol.Encode(protocol.ErrorFrame(domain.InvalidMessage("malformed frame"))))
			continue
		}

		frameCtx := correlation.WithID(ctx, correlation.NewID())
		h.dispatch(frameCtx, sess, frame)
	}
}

// dispatch routes one inbound frame. Rejections go back to the originating
// connection only; they never tear the session down.
func (h *SessionHandler) dispatch(ctx context.Context, sess *session, frame protocol.ClientFrame) {
	var err error

	switch frame.Action {
	case protocol.ActionJoin:
		err = h.handleJoin(sess, frame)
	case protocol.ActionLeave:
		h.rooms.Leave(frame.RoomID, sess.conn)
	case protocol.ActionMessage:
		err = h.handleMessage(ctx, sess, frame)
	case protocol.ActionTyping:
		h.pipeline.Typing(sess.conn, frame.RoomID, frame.IsTyping)
	case protocol.ActionReaction:
		err = h.handleReaction(sess, frame)
	case protocol.ActionHistory:
		err = h.handleHistory(ctx, sess, frame)
	case protocol.ActionBan, protocol.ActionUnban, protocol.ActionMute,
		protocol.ActionUnmute, protocol.ActionSlowMode, protocol.ActionDeleteMessage:
		err = h.handleModeration(ctx, sess, frame)
	default:
		err = domain.InvalidMessage("unknown action")
	}

	if err == nil {
		return
	}

	rej, ok := domain.AsRejection(err)
	if !ok {
		slog.ErrorContext(ctx, "Action failed", "action", frame.Action, "connection", sess.conn.ID, "error", err)
		rej = domain.Internal()
	}
	sess.conn.Send(protocol.Encode(protocol.ErrorFrame(rej)))
}

func (h *SessionHandler) handleJoin(sess *session, frame protocol.ClientFrame) error {
	if frame.RoomID == "" {
		return domain.InvalidMessage("room_id is required")
	}

	count := h.rooms.Join(frame.RoomID, sess.conn)
	sess.conn.Send(protocol.Encode(protocol.ServerFrame{
		Type:   protocol.TypeJoined,
		RoomID: frame.RoomID,
		Count:  count,
	}))
	return nil
}

func (h *SessionHandler) handleMessage(ctx context.Context, sess *session, frame protocol.ClientFrame) error {
	if !sess.limiters[protocol.ActionMessage].Allow() {
		metrics.MessagesRejected.WithLabelValues(string(domain.CodeRateLimited)).Inc()
		return domain.RateLimited("message")
	}
	_, err := h.pipeline.SendMessage(ctx, sess.conn, frame.RoomID, frame.Body)
	return err
}

func (h *SessionHandler) handleReaction(sess *session, frame protocol.ClientFrame) error {
	if !sess.limiters[protocol.ActionReaction].Allow() {
		return domain.RateLimited("reaction")
	}
	return h.pipeline.Reaction(sess.conn, frame.RoomID, frame.Emote)
}

func (h *SessionHandler) handleHistory(ctx context.Context, sess *session, frame protocol.ClientFrame) error {
	var before time.Time
	if frame.Before > 0 {
		before = time.UnixMilli(frame.Before)
	}

	msgs, err := h.pipeline.RequestHistory(ctx, frame.RoomID, before, frame.Limit)
	if err != nil {
		return err
	}

	sess.conn.Send(protocol.Encode(protocol.ServerFrame{
		Type:     protocol.TypeHistory,
		RoomID:   frame.RoomID,
		Messages: msgs,
	}))
	return nil
}

func (h *SessionHandler) handleModeration(ctx context.Context, sess *session, frame protocol.ClientFrame) error {
	if !sess.limiters["moderation"].Allow() {
		return domain.RateLimited("moderation")
	}

	actor := sess.conn.Principal
	duration := time.Duration(frame.Duration) * time.Millisecond

	switch frame.Action {
	case protocol.ActionBan:
		return h.engine.Ban(ctx, actor, frame.RoomID, frame.TargetID, duration)
	case protocol.ActionUnban:
		return h.engine.Unban(ctx, actor, frame.RoomID, frame.TargetID)
	case protocol.ActionMute:
		return h.engine.Mute(ctx, actor, frame.RoomID, frame.TargetID, duration)
	case protocol.ActionUnmute:
		return h.engine.Unmute(ctx, actor, frame.RoomID, frame.TargetID)
	case protocol.ActionSlowMode:
		return h.engine.SetSlowMode(ctx, actor, frame.RoomID, frame.Enabled, time.Duration(frame.Interval)*time.Millisecond)
	case protocol.ActionDeleteMessage:
		messageID, err := uuid.Parse(frame.MessageID)
		if err != nil {
			return domain.InvalidMessage("invalid message_id")
		}
		return h.engine.DeleteMessage(ctx, actor, frame.RoomID, messageID)
	}
	return domain.InvalidMessage("unknown action")
}
