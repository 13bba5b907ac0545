package history

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bustart/chatsync/chat"
)

// Cache stores acknowledged messages. Optimistic local copies (loading flag
// still set) are skipped; they are cached once the server copy comes back.
type Cache struct {
	db *sql.DB
}

func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Put upserts a batch of messages.
func (c *Cache) Put(ctx context.Context, messages []chat.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO chat_messages (id, room_id, owner_user_id, text, created_at, updated_at)
	VALUES (@id, @room_id, @owner_user_id, @text, @created_at, @updated_at)
	ON CONFLICT (id) DO UPDATE SET
		text = excluded.text,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("PrepareContext: %w", err)
	}
	defer stmt.Close()

	for _, message := range messages {
		if message.Loading {
			continue
		}
		_, err := stmt.ExecContext(ctx,
			sql.Named("id", message.ID),
			sql.Named("room_id", message.RoomID),
			sql.Named("owner_user_id", message.OwnerID),
			sql.Named("text", message.Text),
			sql.Named("created_at", message.CreatedAt),
			sql.Named("updated_at", message.UpdatedAt))
		if err != nil {
			return fmt.Errorf("ExecContext(insert chat_messages): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

// Recent returns up to limit of the room's most recent messages, most recent
// first.
func (c *Cache) Recent(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := c.db.QueryContext(ctx, `
	SELECT id, room_id, owner_user_id, text, created_at, updated_at
	FROM chat_messages WHERE room_id = @room_id
	ORDER BY created_at DESC, id DESC LIMIT @limit`,
		sql.Named("room_id", roomID), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var message chat.Message
		if err := rows.Scan(&message.ID, &message.RoomID, &message.OwnerID,
			&message.Text, &message.CreatedAt, &message.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return messages, nil
}

// Range returns the room's messages with created_at in [gte, lte], most
// recent first. A zero lte means no upper bound.
func (c *Cache) Range(ctx context.Context, roomID string, gte, lte int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if lte <= 0 {
		lte = int64(1)<<62 - 1
	}

	rows, err := c.db.QueryContext(ctx, `
	SELECT id, room_id, owner_user_id, text, created_at, updated_at
	FROM chat_messages
	WHERE room_id = @room_id AND created_at >= @gte AND created_at <= @lte
	ORDER BY created_at DESC, id DESC LIMIT @limit`,
		sql.Named("room_id", roomID), sql.Named("gte", gte),
		sql.Named("lte", lte), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var message chat.Message
		if err := rows.Scan(&message.ID, &message.RoomID, &message.OwnerID,
			&message.Text, &message.CreatedAt, &message.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return messages, nil
}
