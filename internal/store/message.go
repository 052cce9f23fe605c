package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendMessage persists a message and records the sender as its first reader.
func (db *DB) AppendMessage(ctx context.Context, chatID, senderID, content string) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	ts := msg.CreatedAt.UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, chatID, senderID, content, ts)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if msg.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("message seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_reads (message_seq, user_id, read_at) VALUES (?, ?, ?)`,
		msg.Seq, senderID, ts); err != nil {
		return nil, fmt.Errorf("insert sender read: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// ListMessages returns the latest messages of a chat in persistence order.
func (db *DB) ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, id, chat_id, sender_id, content, created_at FROM (
			SELECT seq, id, chat_id, sender_id, content, created_at
			FROM messages WHERE chat_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.Seq, &m.ID, &m.ChatID, &m.SenderID, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead adds userID to readBy of every message in chatID created at or
// before upTo that the user has not read yet, resets the user's unread counter
// and returns exactly the newly read messages. Both writes share one
// transaction: on error neither readBy nor the counter changes. Rows already
// present are left alone, so readBy only grows.
func (db *DB) MarkRead(ctx context.Context, chatID, userID string, upTo time.Time) ([]ReadMark, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT m.seq, m.id, m.sender_id
		FROM messages m
		WHERE m.chat_id = ? AND m.created_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM message_reads r WHERE r.message_seq = m.seq AND r.user_id = ?
		  )
		ORDER BY m.seq ASC`, chatID, upTo.UnixMilli(), userID)
	if err != nil {
		return nil, fmt.Errorf("select unread: %w", err)
	}
	type candidate struct {
		seq int64
		ReadMark
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.seq, &c.MessageID, &c.SenderID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var marks []ReadMark
	for _, c := range candidates {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO message_reads (message_seq, user_id, read_at) VALUES (?, ?, ?)
			ON CONFLICT(message_seq, user_id) DO NOTHING`, c.seq, userID, now)
		if err != nil {
			return nil, fmt.Errorf("insert read: %w", err)
		}
		// A concurrent MarkRead may have claimed the row first; only report what this call added.
		if n, _ := res.RowsAffected(); n == 1 {
			marks = append(marks, c.ReadMark)
		}
	}
	if _, err := tx.ExecContext(ctx, resetUnreadSQL, now, chatID, userID); err != nil {
		return nil, fmt.Errorf("reset unread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return marks, nil
}

// ReadBy returns the users who have read a message, sorted by user id.
func (db *DB) ReadBy(ctx context.Context, messageID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.user_id FROM message_reads r
		JOIN messages m ON m.seq = r.message_seq
		WHERE m.id = ?
		ORDER BY r.user_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
