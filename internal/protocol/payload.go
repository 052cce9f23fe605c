package protocol

// Presence is a user's derived availability.
type Presence string

const (
	Online  Presence = "online"
	Away    Presence = "away"
	Offline Presence = "offline"
)

// MaxContentBytes bounds a chat message body.
const MaxContentBytes = 4096

// Client to server payloads.

type AuthPayload struct {
	Credential string `json:"credential" validate:"required"`
	Device     string `json:"device,omitempty" validate:"max=64"`
}

type SendMessagePayload struct {
	ChatID  string `json:"chatId" validate:"required,max=128"`
	Content string `json:"content" validate:"required,max=4096"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId" validate:"required,max=128"`
	IsTyping bool   `json:"isTyping"`
}

type MarkReadPayload struct {
	ChatID string `json:"chatId" validate:"required,max=128"`
	// UpTo is a unix millisecond bound; zero means now.
	UpTo int64 `json:"upTo,omitempty" validate:"gte=0"`
}

type StatusPayload struct {
	Status Presence `json:"status" validate:"required,oneof=online away"`
}

// Server to client payloads.

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type MessagePayload struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

type TypingEvent struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type ReadReceiptPayload struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
	ByUserID   string   `json:"byUserId"`
}

type PresencePayload struct {
	UserID string   `json:"userId"`
	Status Presence `json:"status"`
}

type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}
