package store

import "time"

// Message is a persisted chat message.
type Message struct {
	Seq       int64
	ID        string
	ChatID    string
	SenderID  string
	Content   string
	CreatedAt time.Time
}

// ReadMark is one message newly marked read, with the sender to notify.
type ReadMark struct {
	MessageID string
	SenderID  string
}
