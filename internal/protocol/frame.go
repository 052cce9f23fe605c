package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Type identifies a frame on the wire.
type Type string

const (
	TypeAuth        Type = "auth"
	TypeConnected   Type = "connected"
	TypeMessage     Type = "message"
	TypeNewMessage  Type = "new_message"
	TypeTyping      Type = "typing"
	TypeMarkRead    Type = "mark_read"
	TypeReadReceipt Type = "read_receipt"
	TypePresence    Type = "presence"
	TypeStatus      Type = "status"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeError       Type = "error"
)

// Frame is the envelope every wire message travels in.
type Frame struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses a raw text frame. Any failure is reported as ErrMalformedFrame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	f.Type = Type(strings.TrimSpace(string(f.Type)))
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v and validates its struct tags.
func DecodePayload(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s frame requires a payload", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// Encode builds a wire frame. A nil payload yields a bare {"type": ...} envelope.
func Encode(t Type, payload any) ([]byte, error) {
	f := Frame{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(t Type, payload any) []byte {
	data, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return data
}
