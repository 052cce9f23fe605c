// Package presence derives online, away and offline transitions from
// registry occupancy and announces them to a user's chat co-members.
package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/protocol"
	"github.com/matheus3301/relay/internal/registry"
)

// Membership is the slice of the membership store presence needs.
type Membership interface {
	ChatsOf(ctx context.Context, userID string) ([]string, error)
	Members(ctx context.Context, chatID string) ([]string, error)
}

const lockStripes = 64

// Tracker owns attaching and detaching connections. Both run under a per-user
// lock so a user's online and offline announcements cannot interleave and each
// occupancy transition is announced exactly once.
type Tracker struct {
	reg     *registry.Registry
	members Membership
	evictor registry.Evictor
	bus     *bus.Bus
	log     *zap.Logger

	stripes [lockStripes]sync.Mutex

	mu   sync.RWMutex
	away map[string]bool
}

// New creates a tracker. evictor may be nil.
func New(reg *registry.Registry, members Membership, evictor registry.Evictor, b *bus.Bus, log *zap.Logger) *Tracker {
	return &Tracker{
		reg:     reg,
		members: members,
		evictor: evictor,
		bus:     b,
		log:     log.Named("presence"),
		away:    make(map[string]bool),
	}
}

func stripeOf(userID string) uint64 {
	return xxhash.Sum64String(userID) % lockStripes
}

func (t *Tracker) lockUser(userID string) func() {
	m := &t.stripes[stripeOf(userID)]
	m.Lock()
	return m.Unlock
}

// lockUsers takes the stripes of userID and every peer in ascending stripe
// order.
func (t *Tracker) lockUsers(userID string, peers []string) func() {
	idx := lo.Uniq(append(lo.Map(peers, func(p string, _ int) uint64 { return stripeOf(p) }), stripeOf(userID)))
	slices.Sort(idx)
	for _, i := range idx {
		t.stripes[i].Lock()
	}
	return func() {
		for _, i := range idx {
			t.stripes[i].Unlock()
		}
	}
}

// Attach registers c, announces the user online when c is its first
// connection and sends c the presence of every online co-member. The stripes
// of the user and of all co-members are held throughout, so a co-member
// coming online at the same moment reaches c either through its own
// announcement or through the snapshot, never both. It reports whether c was
// the first connection.
func (t *Tracker) Attach(ctx context.Context, c registry.Conn) bool {
	userID := c.UserID()
	peers, err := t.Interested(ctx, userID)
	unlock := t.lockUsers(userID, peers)
	defer unlock()

	first := t.reg.Register(c)
	if err != nil {
		// Presence is best effort; the registration itself already happened.
		t.log.Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		return first
	}
	if first {
		t.announce(userID, peers, protocol.Online)
	}
	if err := t.snapshot(c, peers); err != nil {
		t.log.Debug("presence snapshot incomplete", zap.String("conn_id", c.ID()), zap.Error(err))
	}
	return first
}

// Detach unregisters c and, when no connection remains, clears any away
// override and announces the user offline. It reports whether c was the last
// connection.
func (t *Tracker) Detach(ctx context.Context, c registry.Conn) bool {
	unlock := t.lockUser(c.UserID())
	defer unlock()

	last := t.reg.Unregister(c)
	if last {
		t.mu.Lock()
		delete(t.away, c.UserID())
		t.mu.Unlock()
		t.broadcast(ctx, c.UserID(), protocol.Offline)
	}
	return last
}

// SetStatus applies a client-declared override. Only online and away are
// accepted; an offline user cannot declare anything. Setting the status the
// user already has is not re-announced.
func (t *Tracker) SetStatus(ctx context.Context, userID string, status protocol.Presence) error {
	if status != protocol.Online && status != protocol.Away {
		return fmt.Errorf("declare %q: %w", status, protocol.ErrMalformedFrame)
	}
	unlock := t.lockUser(userID)
	defer unlock()

	if !t.reg.IsOnline(userID) {
		return nil
	}
	t.mu.Lock()
	was := t.away[userID]
	if status == protocol.Away {
		t.away[userID] = true
	} else {
		delete(t.away, userID)
	}
	t.mu.Unlock()

	if was == (status == protocol.Away) {
		return nil
	}
	t.broadcast(ctx, userID, status)
	return nil
}

// Status returns the user's current presence.
func (t *Tracker) Status(userID string) protocol.Presence {
	if !t.reg.IsOnline(userID) {
		return protocol.Offline
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.away[userID] {
		return protocol.Away
	}
	return protocol.Online
}

// Interested returns every user sharing at least one chat with userID,
// deduplicated and excluding userID itself.
func (t *Tracker) Interested(ctx context.Context, userID string) ([]string, error) {
	chats, err := t.members.ChatsOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chats of %s: %w", userID, err)
	}
	var all []string
	for _, chatID := range chats {
		ms, err := t.members.Members(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("members of %s: %w", chatID, err)
		}
		all = append(all, ms...)
	}
	return lo.Without(lo.Uniq(all), userID), nil
}

func (t *Tracker) snapshot(c registry.Conn, peers []string) error {
	for _, peer := range t.reg.Online(peers) {
		status := t.Status(peer)
		if status == protocol.Offline {
			continue
		}
		frame := protocol.MustEncode(protocol.TypePresence, protocol.PresencePayload{UserID: peer, Status: status})
		if err := c.Send(frame); err != nil {
			if t.evictor != nil {
				t.evictor.Evict(c, err)
			}
			return err
		}
	}
	return nil
}

func (t *Tracker) broadcast(ctx context.Context, userID string, status protocol.Presence) {
	peers, err := t.Interested(ctx, userID)
	if err != nil {
		// Presence is best effort; the transition itself already happened.
		t.log.Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	t.announce(userID, peers, status)
}

func (t *Tracker) announce(userID string, peers []string, status protocol.Presence) {
	online := t.reg.Online(peers)
	frame := protocol.MustEncode(protocol.TypePresence, protocol.PresencePayload{UserID: userID, Status: status})
	res := t.reg.DeliverAll(online, frame, t.evictor)

	t.log.Debug("presence broadcast",
		zap.String("user_id", userID),
		zap.String("status", string(status)),
		zap.Int("peers", len(online)),
		zap.Int("failed", res.Failed),
	)
	t.bus.Publish(bus.KindPresenceChanged, bus.PresenceChange{
		UserID:   userID,
		Status:   string(status),
		Notified: len(online),
	})
}
