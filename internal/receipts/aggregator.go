// Package receipts applies mark-read requests and tells senders which of their
// messages were newly read.
package receipts

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/protocol"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/store"
)

// Store is the persistence the aggregator depends on.
type Store interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	// MarkRead records the read marks and resets the unread counter in one
	// transaction, returning only the newly read messages.
	MarkRead(ctx context.Context, chatID, userID string, upTo time.Time) ([]store.ReadMark, error)
}

// Summary describes one applied mark-read.
type Summary struct {
	ChatID   string
	ByUserID string
	Newly    int
	Senders  int
}

type Aggregator struct {
	store   Store
	reg     *registry.Registry
	evictor registry.Evictor
	bus     *bus.Bus
	log     *zap.Logger
	now     func() time.Time
}

func New(s Store, reg *registry.Registry, evictor registry.Evictor, b *bus.Bus, log *zap.Logger) *Aggregator {
	return &Aggregator{
		store:   s,
		reg:     reg,
		evictor: evictor,
		bus:     b,
		log:     log.Named("receipts"),
		now:     time.Now,
	}
}

// MarkRead records that userID has read chatID up to upTo (now when zero),
// resets the user's unread counter and sends one read_receipt per original
// sender listing only the messages this call newly marked. A store failure
// leaves both readBy and the counter untouched, so a retry computes the same
// delta; nothing is retried here.
func (a *Aggregator) MarkRead(ctx context.Context, chatID, userID string, upTo time.Time) (Summary, error) {
	sum := Summary{ChatID: chatID, ByUserID: userID}
	if upTo.IsZero() {
		upTo = a.now()
	}

	ok, err := a.store.IsMember(ctx, chatID, userID)
	if err != nil {
		return sum, fmt.Errorf("membership of %s: %v: %w", chatID, err, protocol.ErrPersistence)
	}
	if !ok {
		return sum, fmt.Errorf("mark read in %s: %w", chatID, protocol.ErrNotMember)
	}

	marks, err := a.store.MarkRead(ctx, chatID, userID, upTo)
	if err != nil {
		return sum, fmt.Errorf("mark read in %s: %v: %w", chatID, err, protocol.ErrPersistence)
	}
	sum.Newly = len(marks)
	if len(marks) == 0 {
		return sum, nil
	}

	bySender := lo.GroupBy(marks, func(m store.ReadMark) string { return m.SenderID })
	senders := lo.Keys(bySender)
	slices.Sort(senders)
	sum.Senders = len(senders)

	for _, sender := range senders {
		ids := lo.Map(bySender[sender], func(m store.ReadMark, _ int) string { return m.MessageID })
		frame := protocol.MustEncode(protocol.TypeReadReceipt, protocol.ReadReceiptPayload{
			ChatID:     chatID,
			MessageIDs: ids,
			ByUserID:   userID,
		})
		a.reg.Deliver(sender, frame, a.evictor)
	}

	a.log.Debug("read receipts sent",
		zap.String("chat_id", chatID),
		zap.String("user_id", userID),
		zap.Int("messages", sum.Newly),
		zap.Int("senders", sum.Senders),
	)
	a.bus.Publish(bus.KindReceiptsSent, sum)
	return sum, nil
}
