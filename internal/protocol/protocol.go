// Package protocol defines the JSON frames exchanged with connected clients.
package protocol

import (
	"encoding/json"
	"log/slog"

	"github.com/realcast/chatcore/internal/domain"
)

// Client-to-server frame types.
const (
	ActionJoin          = "join"
	ActionLeave         = "leave"
	ActionMessage       = "message"
	ActionTyping        = "typing"
	ActionReaction      = "reaction"
	ActionHistory       = "history"
	ActionBan           = "ban"
	ActionUnban         = "unban"
	ActionMute          = "mute"
	ActionUnmute        = "unmute"
	ActionSlowMode      = "slow_mode"
	ActionDeleteMessage = "delete_message"
)

// Server-to-client frame types.
const (
	TypeJoined      = "joined"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeReaction    = "reaction"
	TypeHistory     = "history"
	TypeViewerCount = "viewer_count"
	TypeNotice      = "notice"
	TypeError       = "error"
)

// Notice kinds carried in ServerFrame.Notice.
const (
	NoticeBanned          = "banned"
	NoticeUnbanned        = "unbanned"
	NoticeMuted           = "muted"
	NoticeUnmuted         = "unmuted"
	NoticeMessageDeleted  = "message_deleted"
	NoticeSlowModeChanged = "slow_mode_changed"
)

// ClientFrame is an inbound frame from a connection.
type ClientFrame struct {
	Action    string `json:"action"`
	RoomID    string `json:"room_id,omitempty"`
	Body      string `json:"body,omitempty"`
	IsTyping  bool   `json:"is_typing,omitempty"`
	Emote     string `json:"emote,omitempty"`
	TargetID  string `json:"target_id,omitempty"`  // moderation target user
	MessageID string `json:"message_id,omitempty"` // delete_message
	Duration  int64  `json:"duration_ms,omitempty"`
	Enabled   bool   `json:"enabled,omitempty"`     // slow_mode
	Interval  int64  `json:"interval_ms,omitempty"` // slow_mode
	Before    int64  `json:"before_ms,omitempty"`   // history cursor, unix ms
	Limit     int    `json:"limit,omitempty"`
}

// ServerFrame is an outbound frame. Fields are populated according to Type.
type ServerFrame struct {
	Type        string           `json:"type"`
	RoomID      string           `json:"room_id,omitempty"`
	Message     *domain.Message  `json:"message,omitempty"`
	Messages    []domain.Message `json:"messages,omitempty"`
	UserID      string           `json:"user_id,omitempty"`
	DisplayName string           `json:"display_name,omitempty"`
	Count       int              `json:"count,omitempty"`
	Peak        int              `json:"peak,omitempty"`
	IsTyping    bool             `json:"is_typing,omitempty"`
	Emote       string           `json:"emote,omitempty"`
	Notice      string           `json:"notice,omitempty"`
	MessageID   string           `json:"message_id,omitempty"`
	DurationMs  int64            `json:"duration_ms,omitempty"`
	IntervalMs  int64            `json:"interval_ms,omitempty"`
	Enabled     bool             `json:"enabled,omitempty"`
	Code        string           `json:"code,omitempty"`
	Error       string           `json:"error,omitempty"`
	RetryAfter  int64            `json:"retry_after_ms,omitempty"`
}

// Encode marshals a frame for broadcast. Marshal failures are programming
// errors; they are logged and yield nil so callers can skip the send.
func Encode(f ServerFrame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("Failed to marshal server frame", "type", f.Type, "error", err)
		return nil
	}
	return data
}

// ErrorFrame converts a rejection into the error frame sent to the
// originating connection only.
func ErrorFrame(rej *domain.Rejection) ServerFrame {
	return ServerFrame{
		Type:       TypeError,
		Code:       string(rej.Code),
		Error:      rej.Message,
		RetryAfter: rej.RetryAfter.Milliseconds(),
	}
}

// UserJoined builds the membership notification broadcast on join.
func UserJoined(roomID, userID, displayName string, count int) ServerFrame {
	return ServerFrame{Type: TypeUserJoined, RoomID: roomID, UserID: userID, DisplayName: displayName, Count: count}
}

// UserLeft builds the membership notification broadcast on leave, kick, and
// disconnect cleanup.
func UserLeft(roomID, userID, displayName string, count int) ServerFrame {
	return ServerFrame{Type: TypeUserLeft, RoomID: roomID, UserID: userID, DisplayName: displayName, Count: count}
}
