package bus

import "time"

// Event represents an operational event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the relay.
const (
	KindSessionState     = "session.state_changed"
	KindSessionAuthFail  = "session.auth_failed"
	KindPresenceChanged  = "presence.changed"
	KindMessageDelivered = "message.delivered"
	KindMessageRejected  = "message.rejected"
	KindConnEvicted      = "connection.evicted"
	KindReceiptsSent     = "receipt.sent"
	KindTypingChanged    = "typing.changed"
)

// Delivery summarises one fanout.
type Delivery struct {
	ChatID    string
	MessageID string
	Attempts  int
	Delivered int
	Failed    int
	Unread    int
}

// PresenceChange is published whenever a user's broadcast status changes.
type PresenceChange struct {
	UserID   string
	Status   string
	Notified int
}
