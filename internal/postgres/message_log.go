package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/realcast/chatcore/internal/domain"
)

// messageColumns must match the Scan order in scanMessages.
const messageColumns = `id, room_id, user_id, display_name, body, sent_at`

// MessageLog implements chat.MessageLog backed by PostgreSQL.
type MessageLog struct {
	pool *pgxpool.Pool
}

func NewMessageLog(pool *pgxpool.Pool) *MessageLog {
	return &MessageLog{pool: pool}
}

func (l *MessageLog) Append(ctx context.Context, msg domain.Message) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO messages (id, room_id, user_id, display_name, body, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.RoomID, msg.UserID, msg.DisplayName, msg.Body, msg.SentAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Range returns the most recent non-deleted messages older than before,
// reordered oldest-first for replay.
func (l *MessageLog) Range(ctx context.Context, roomID string, before time.Time, limit int) ([]domain.Message, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE room_id = $1 AND sent_at < $2 AND NOT deleted
		ORDER BY sent_at DESC
		LIMIT $3
	`, roomID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// DESC query picks the newest window; flip to oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (l *MessageLog) MarkDeleted(ctx context.Context, roomID string, messageID uuid.UUID) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE messages SET deleted = TRUE
		WHERE room_id = $1 AND id = $2
	`, roomID, messageID)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func scanMessages(rows pgx.Rows) ([]domain.Message, error) {
	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.DisplayName, &msg.Body, &msg.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return msgs, nil
}
