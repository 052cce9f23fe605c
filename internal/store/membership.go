package store

import (
	"context"
	"fmt"
	"time"
)

// CreateChat creates chatID (if absent) and adds the given members.
func (db *DB) CreateChat(ctx context.Context, chatID string, members ...string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`, chatID, now); err != nil {
		return fmt.Errorf("insert chat %q: %w", chatID, err)
	}
	for _, userID := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_members (chat_id, user_id, joined_at) VALUES (?, ?, ?)
			ON CONFLICT(chat_id, user_id) DO NOTHING`, chatID, userID, now); err != nil {
			return fmt.Errorf("add member %q: %w", userID, err)
		}
	}
	return tx.Commit()
}

// AddMember adds userID to an existing chat.
func (db *DB) AddMember(ctx context.Context, chatID, userID string) error {
	res, err := db.ExecContext(ctx, `
		INSERT INTO chat_members (chat_id, user_id, joined_at)
		SELECT id, ?, ? FROM chats WHERE id = ?
		ON CONFLICT(chat_id, user_id) DO NOTHING`, userID, time.Now().UnixMilli(), chatID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := db.chatExists(ctx, chatID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("chat %q does not exist", chatID)
		}
	}
	return nil
}

func (db *DB) chatExists(ctx context.Context, chatID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE id = ?`, chatID).Scan(&n)
	return n > 0, err
}

// Members returns the member user ids of a chat.
func (db *DB) Members(ctx context.Context, chatID string) ([]string, error) {
	return db.strings(ctx, `SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY user_id`, chatID)
}

// ChatsOf returns the chats userID belongs to.
func (db *DB) ChatsOf(ctx context.Context, userID string) ([]string, error) {
	return db.strings(ctx, `SELECT chat_id FROM chat_members WHERE user_id = ? ORDER BY chat_id`, userID)
}

// IsMember reports whether userID belongs to chatID.
func (db *DB) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_members WHERE chat_id = ? AND user_id = ?`, chatID, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *DB) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
