// Package fanout persists chat messages and delivers them to every online
// member connection, keeping per-chat delivery in persistence order.
package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/protocol"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/store"
)

// Store is the persistence the fanout depends on.
type Store interface {
	Members(ctx context.Context, chatID string) ([]string, error)
	AppendMessage(ctx context.Context, chatID, senderID, content string) (*store.Message, error)
	IncrementUnread(ctx context.Context, chatID, userID string) error
}

// Fanout serializes sends per chat: a message is appended and broadcast before
// the next message of the same chat is appended.
type Fanout struct {
	store   Store
	reg     *registry.Registry
	evictor registry.Evictor
	bus     *bus.Bus
	log     *zap.Logger
	disp    *dispatcher
}

// New creates a fanout whose idle chat workers retire after idle.
func New(s Store, reg *registry.Registry, evictor registry.Evictor, b *bus.Bus, log *zap.Logger, idle time.Duration) *Fanout {
	log = log.Named("fanout")
	return &Fanout{
		store:   s,
		reg:     reg,
		evictor: evictor,
		bus:     b,
		log:     log,
		disp:    newDispatcher(log, idle),
	}
}

type result struct {
	msg *store.Message
	err error
}

// Send persists content from senderID in chatID and broadcasts it. Every
// connection of the sender, the originating one included, receives the
// new_message frame; that echo is the sender's acknowledgement.
func (f *Fanout) Send(ctx context.Context, chatID, senderID, content string) (*store.Message, error) {
	reply := make(chan result, 1)
	err := f.disp.submit(chatID, func() {
		msg, err := f.deliver(ctx, chatID, senderID, content)
		reply <- result{msg, err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Workers reports how many chat workers are running.
func (f *Fanout) Workers() int {
	return f.disp.active()
}

// Stop refuses new sends and waits for queued ones.
func (f *Fanout) Stop(ctx context.Context) error {
	return f.disp.stop(ctx)
}

func (f *Fanout) deliver(ctx context.Context, chatID, senderID, content string) (*store.Message, error) {
	members, err := f.store.Members(ctx, chatID)
	if err != nil {
		return nil, f.reject(chatID, senderID, fmt.Errorf("members of %s: %v: %w", chatID, err, protocol.ErrPersistence))
	}
	if !lo.Contains(members, senderID) {
		return nil, f.reject(chatID, senderID, fmt.Errorf("send to %s: %w", chatID, protocol.ErrNotMember))
	}

	msg, err := f.store.AppendMessage(ctx, chatID, senderID, content)
	if err != nil {
		return nil, f.reject(chatID, senderID, fmt.Errorf("append to %s: %v: %w", chatID, err, protocol.ErrPersistence))
	}

	frame, err := protocol.Encode(protocol.TypeNewMessage, protocol.MessagePayload{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	summary := bus.Delivery{ChatID: chatID, MessageID: msg.ID}
	for _, member := range members {
		res := f.reg.Deliver(member, frame, f.evictor)
		summary.Attempts += res.Attempts
		summary.Delivered += res.Delivered
		summary.Failed += res.Failed
		if res.Attempts > 0 || member == senderID {
			continue
		}
		if err := f.store.IncrementUnread(ctx, chatID, member); err != nil {
			f.log.Warn("increment unread failed",
				zap.String("chat_id", chatID),
				zap.String("user_id", member),
				zap.Error(err),
			)
			continue
		}
		summary.Unread++
	}

	f.log.Debug("message fanned out",
		zap.String("chat_id", chatID),
		zap.String("message_id", msg.ID),
		zap.Int("delivered", summary.Delivered),
		zap.Int("failed", summary.Failed),
		zap.Int("unread", summary.Unread),
	)
	f.bus.Publish(bus.KindMessageDelivered, summary)
	return msg, nil
}

func (f *Fanout) reject(chatID, senderID string, err error) error {
	f.log.Info("message rejected",
		zap.String("chat_id", chatID),
		zap.String("sender_id", senderID),
		zap.Error(err),
	)
	f.bus.Publish(bus.KindMessageRejected, protocol.CodeOf(err))
	return err
}
