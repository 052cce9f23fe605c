package protocol

import (
	"errors"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrNotMember      = errors.New("not a member of this chat")
	ErrPersistence    = errors.New("persistence failure")
	ErrTransport      = errors.New("transport failure")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Code is the machine-readable failure kind carried by error frames.
type Code string

const (
	CodeAuthentication Code = "AUTHENTICATION_ERROR"
	CodeNotMember      Code = "NOT_MEMBER"
	CodePersistence    Code = "PERSISTENCE_FAILURE"
	CodeTransport      Code = "TRANSPORT_ERROR"
	CodeMalformedFrame Code = "MALFORMED_FRAME"
	CodeInternal       Code = "INTERNAL"
)

// CodeOf maps an error chain onto its wire code.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, ErrAuthentication):
		return CodeAuthentication
	case errors.Is(err, ErrNotMember):
		return CodeNotMember
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrTransport):
		return CodeTransport
	case errors.Is(err, ErrMalformedFrame):
		return CodeMalformedFrame
	default:
		return CodeInternal
	}
}

// ErrorFrame renders err as an error frame. Store and internal failures keep
// their detail out of the client's view.
func ErrorFrame(err error) []byte {
	code := CodeOf(err)
	msg := err.Error()
	switch code {
	case CodePersistence:
		msg = ErrPersistence.Error()
	case CodeInternal:
		msg = "internal error"
	}
	return MustEncode(TypeError, ErrorPayload{Code: code, Message: msg})
}
