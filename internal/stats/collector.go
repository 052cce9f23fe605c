// Package stats keeps operational counters fed from the event bus.
package stats

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/status"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	SessionsOpened    uint64 `json:"sessions_opened"`
	SessionsActive    int64  `json:"sessions_active"`
	AuthFailures      uint64 `json:"auth_failures"`
	MessagesDelivered uint64 `json:"messages_delivered"`
	MessagesRejected  uint64 `json:"messages_rejected"`
	DeliveryAttempts  uint64 `json:"delivery_attempts"`
	DeliveryFailures  uint64 `json:"delivery_failures"`
	UnreadIncrements  uint64 `json:"unread_increments"`
	Evictions         uint64 `json:"evictions"`
	PresenceChanges   uint64 `json:"presence_changes"`
	ReceiptsSent      uint64 `json:"receipts_sent"`
	TypingEvents      uint64 `json:"typing_events"`
	EventsDropped     uint64 `json:"events_dropped"`
}

// Collector subscribes to every bus event and counts them. Counts are best
// effort: the bus drops events for a subscriber that falls behind.
type Collector struct {
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	sessionsOpened    atomic.Uint64
	sessionsActive    atomic.Int64
	authFailures      atomic.Uint64
	messagesDelivered atomic.Uint64
	messagesRejected  atomic.Uint64
	deliveryAttempts  atomic.Uint64
	deliveryFailures  atomic.Uint64
	unreadIncrements  atomic.Uint64
	evictions         atomic.Uint64
	presenceChanges   atomic.Uint64
	receiptsSent      atomic.Uint64
	typingEvents      atomic.Uint64
}

func NewCollector(b *bus.Bus, logger *zap.Logger) *Collector {
	return &Collector{bus: b, logger: logger.Named("stats")}
}

// Start subscribes to the bus until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	ch, unsub := c.bus.Subscribe("", 1024)

	go func() {
		defer close(c.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the subscription and waits for the loop to exit.
func (c *Collector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Collector) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSessionState:
		change, ok := evt.Payload.(status.Change)
		if !ok {
			return
		}
		switch {
		case change.To == status.Authenticating:
			c.sessionsOpened.Add(1)
		case change.To == status.Active:
			c.sessionsActive.Add(1)
		case change.From == status.Active:
			c.sessionsActive.Add(-1)
		}
	case bus.KindSessionAuthFail:
		c.authFailures.Add(1)
	case bus.KindMessageDelivered:
		d, ok := evt.Payload.(bus.Delivery)
		if !ok {
			return
		}
		c.messagesDelivered.Add(1)
		c.deliveryAttempts.Add(uint64(d.Attempts))
		c.deliveryFailures.Add(uint64(d.Failed))
		c.unreadIncrements.Add(uint64(d.Unread))
	case bus.KindMessageRejected:
		c.messagesRejected.Add(1)
	case bus.KindConnEvicted:
		c.evictions.Add(1)
	case bus.KindPresenceChanged:
		c.presenceChanges.Add(1)
	case bus.KindReceiptsSent:
		c.receiptsSent.Add(1)
	case bus.KindTypingChanged:
		c.typingEvents.Add(1)
	default:
		c.logger.Debug("unhandled event", zap.String("kind", evt.Kind))
	}
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		SessionsOpened:    c.sessionsOpened.Load(),
		SessionsActive:    c.sessionsActive.Load(),
		AuthFailures:      c.authFailures.Load(),
		MessagesDelivered: c.messagesDelivered.Load(),
		MessagesRejected:  c.messagesRejected.Load(),
		DeliveryAttempts:  c.deliveryAttempts.Load(),
		DeliveryFailures:  c.deliveryFailures.Load(),
		UnreadIncrements:  c.unreadIncrements.Load(),
		Evictions:         c.evictions.Load(),
		PresenceChanges:   c.presenceChanges.Load(),
		ReceiptsSent:      c.receiptsSent.Load(),
		TypingEvents:      c.typingEvents.Load(),
		EventsDropped:     c.bus.Dropped(),
	}
}
