// Package typing holds ephemeral per chat and user typing flags that expire on
// their own unless refreshed.
package typing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/protocol"
	"github.com/matheus3301/relay/internal/registry"
)

// Members resolves a chat's membership.
type Members interface {
	Members(ctx context.Context, chatID string) ([]string, error)
}

type entry struct {
	timer *time.Timer
	gen   uint64
	peers []string
}

type shard struct {
	mu     sync.Mutex
	byUser map[string]map[string]*entry
}

// Manager tracks who is typing where. State is sharded by user; broadcasts for
// a user happen under that user's shard lock so a start is never overtaken by
// its own stop.
type Manager struct {
	reg     *registry.Registry
	members Members
	evictor registry.Evictor
	bus     *bus.Bus
	log     *zap.Logger
	ttl     time.Duration
	shards  []*shard
}

// New creates a manager whose flags expire after ttl.
func New(reg *registry.Registry, members Members, evictor registry.Evictor, b *bus.Bus, log *zap.Logger, ttl time.Duration, shards int) *Manager {
	if shards < 1 {
		shards = 1
	}
	m := &Manager{
		reg:     reg,
		members: members,
		evictor: evictor,
		bus:     b,
		log:     log.Named("typing"),
		ttl:     ttl,
		shards:  make([]*shard, shards),
	}
	for i := range m.shards {
		m.shards[i] = &shard{byUser: make(map[string]map[string]*entry)}
	}
	return m
}

func (m *Manager) shardFor(userID string) *shard {
	return m.shards[xxhash.Sum64String(userID)%uint64(len(m.shards))]
}

// Start marks userID as typing in chatID. The first call broadcasts a start;
// repeated calls only push the expiry back.
func (m *Manager) Start(ctx context.Context, chatID, userID string) error {
	s := m.shardFor(userID)
	if m.refresh(s, chatID, userID) {
		return nil
	}

	members, err := m.members.Members(ctx, chatID)
	if err != nil {
		return fmt.Errorf("members of %s: %w", chatID, err)
	}
	if !lo.Contains(members, userID) {
		return fmt.Errorf("typing in %s: %w", chatID, protocol.ErrNotMember)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chats := s.byUser[userID]
	if chats == nil {
		chats = make(map[string]*entry)
		s.byUser[userID] = chats
	}
	if e, ok := chats[chatID]; ok {
		m.rearm(e, chatID, userID)
		return nil
	}
	e := &entry{peers: lo.Without(members, userID)}
	chats[chatID] = e
	m.rearm(e, chatID, userID)
	m.broadcast(e.peers, chatID, userID, true)
	return nil
}

// Stop clears the flag and broadcasts a stop if one was set.
func (m *Manager) Stop(chatID, userID string) {
	s := m.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m.removeLocked(s, chatID, userID, 0)
}

// StopAll clears every flag userID holds. It runs when the user's last
// connection closes.
func (m *Manager) StopAll(userID string) {
	s := m.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for chatID := range s.byUser[userID] {
		m.removeLocked(s, chatID, userID, 0)
	}
}

// Active reports whether userID is currently typing in chatID.
func (m *Manager) Active(chatID, userID string) bool {
	s := m.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byUser[userID][chatID]
	return ok
}

func (m *Manager) refresh(s *shard, chatID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byUser[userID][chatID]
	if ok {
		m.rearm(e, chatID, userID)
	}
	return ok
}

// rearm replaces the entry's timer. The generation lets a timer that already
// fired but lost the race for the lock recognise it is stale.
func (m *Manager) rearm(e *entry, chatID, userID string) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(m.ttl, func() { m.expire(chatID, userID, gen) })
}

func (m *Manager) expire(chatID, userID string, gen uint64) {
	s := m.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.removeLocked(s, chatID, userID, gen) {
		m.log.Debug("typing expired", zap.String("chat_id", chatID), zap.String("user_id", userID))
	}
}

// removeLocked drops the entry and broadcasts the stop. A non-zero gen only
// matches the entry armed with that generation.
func (m *Manager) removeLocked(s *shard, chatID, userID string, gen uint64) bool {
	chats := s.byUser[userID]
	e, ok := chats[chatID]
	if !ok || (gen != 0 && e.gen != gen) {
		return false
	}
	e.timer.Stop()
	delete(chats, chatID)
	if len(chats) == 0 {
		delete(s.byUser, userID)
	}
	m.broadcast(e.peers, chatID, userID, false)
	return true
}

func (m *Manager) broadcast(peers []string, chatID, userID string, typing bool) {
	evt := protocol.TypingEvent{ChatID: chatID, UserID: userID, IsTyping: typing}
	frame := protocol.MustEncode(protocol.TypeTyping, evt)
	m.reg.DeliverAll(m.reg.Online(peers), frame, m.evictor)
	m.bus.Publish(bus.KindTypingChanged, evt)
}
