package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// IncrementUnread bumps the unread counter of userID in chatID by one.
func (db *DB) IncrementUnread(ctx context.Context, chatID, userID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO unread_counters (chat_id, user_id, count, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET
			count = unread_counters.count + 1,
			updated_at = excluded.updated_at`,
		chatID, userID, time.Now().UnixMilli())
	return err
}

const resetUnreadSQL = `
	UPDATE unread_counters SET count = 0, updated_at = ?
	WHERE chat_id = ? AND user_id = ?`

// ResetUnread sets the unread counter of userID in chatID to zero.
// MarkRead already does this as part of its transaction.
func (db *DB) ResetUnread(ctx context.Context, chatID, userID string) error {
	_, err := db.ExecContext(ctx, resetUnreadSQL, time.Now().UnixMilli(), chatID, userID)
	return err
}

// UnreadCount returns the unread counter of userID in chatID.
func (db *DB) UnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT count FROM unread_counters WHERE chat_id = ? AND user_id = ?`, chatID, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// Stats holds row counts for operator status output.
type Stats struct {
	Chats    int64
	Messages int64
}

// Stats returns chat and message totals.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM chats), (SELECT COUNT(*) FROM messages)`).Scan(&s.Chats, &s.Messages)
	return s, err
}
