package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/relay/internal/protocol"
)

// dispatch handles one decoded command. Failures are answered with an error
// frame; none of them close the connection.
func (s *Session) dispatch(ctx context.Context, f protocol.Frame) {
	var err error
	switch f.Type {
	case protocol.TypeMessage:
		err = s.handleMessage(ctx, f)
	case protocol.TypeTyping:
		err = s.handleTyping(ctx, f)
	case protocol.TypeMarkRead:
		err = s.handleMarkRead(ctx, f)
	case protocol.TypeStatus:
		err = s.handleStatus(ctx, f)
	case protocol.TypeAuth:
		err = fmt.Errorf("already authenticated: %w", protocol.ErrMalformedFrame)
	default:
		err = fmt.Errorf("unsupported frame type %q: %w", f.Type, protocol.ErrMalformedFrame)
	}
	if err != nil {
		s.reply(err)
	}
}

func (s *Session) handleMessage(ctx context.Context, f protocol.Frame) error {
	var p protocol.SendMessagePayload
	if err := protocol.DecodePayload(f, &p); err != nil {
		return err
	}
	// The tag bounds runes; the wire limit is in bytes.
	if len(p.Content) > protocol.MaxContentBytes {
		return fmt.Errorf("content exceeds %d bytes: %w", protocol.MaxContentBytes, protocol.ErrMalformedFrame)
	}
	ok, err := s.g.deps.Members.IsMember(ctx, p.ChatID, s.userID)
	if err != nil {
		return fmt.Errorf("membership of %s: %v: %w", p.ChatID, err, protocol.ErrPersistence)
	}
	if !ok {
		return fmt.Errorf("send to %s: %w", p.ChatID, protocol.ErrNotMember)
	}
	// The sender learns about success through the new_message echo.
	_, err = s.g.deps.Fanout.Send(ctx, p.ChatID, s.userID, p.Content)
	return err
}

func (s *Session) handleTyping(ctx context.Context, f protocol.Frame) error {
	var p protocol.TypingPayload
	if err := protocol.DecodePayload(f, &p); err != nil {
		return err
	}
	if !p.IsTyping {
		s.g.deps.Typing.Stop(p.ChatID, s.userID)
		return nil
	}
	return s.g.deps.Typing.Start(ctx, p.ChatID, s.userID)
}

func (s *Session) handleMarkRead(ctx context.Context, f protocol.Frame) error {
	var p protocol.MarkReadPayload
	if err := protocol.DecodePayload(f, &p); err != nil {
		return err
	}
	var upTo time.Time
	if p.UpTo > 0 {
		upTo = time.UnixMilli(p.UpTo)
	}
	_, err := s.g.deps.Receipts.MarkRead(ctx, p.ChatID, s.userID, upTo)
	return err
}

func (s *Session) handleStatus(ctx context.Context, f protocol.Frame) error {
	var p protocol.StatusPayload
	if err := protocol.DecodePayload(f, &p); err != nil {
		return err
	}
	return s.g.deps.Presence.SetStatus(ctx, s.userID, p.Status)
}
