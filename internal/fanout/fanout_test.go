package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/protocol"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/registry/registrytest"
	"github.com/matheus3301/relay/internal/store"
)

type fakeStore struct {
	members registrytest.Members

	mu        sync.Mutex
	appended  []string
	unread    map[string]int
	appendErr error
	seq       int
}

func newFakeStore(m registrytest.Members) *fakeStore {
	return &fakeStore{members: m, unread: make(map[string]int)}
}

func (s *fakeStore) Members(ctx context.Context, chatID string) ([]string, error) {
	return s.members.Members(ctx, chatID)
}

func (s *fakeStore) AppendMessage(_ context.Context, chatID, senderID, content string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	s.seq++
	msg := &store.Message{
		Seq:       int64(s.seq),
		ID:        fmt.Sprintf("m%d", s.seq),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.appended = append(s.appended, msg.ID)
	return msg, nil
}

func (s *fakeStore) IncrementUnread(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	s.unread[chatID+"/"+userID]++
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) isAppended(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.appended {
		if a == id {
			return true
		}
	}
	return false
}

// checkingConn fails the test if it sees a message the store has not returned.
type checkingConn struct {
	*registrytest.Conn
	t     *testing.T
	store *fakeStore
}

func (c *checkingConn) Send(data []byte) error {
	f, err := protocol.Decode(data)
	require.NoError(c.t, err)
	var m protocol.MessagePayload
	require.NoError(c.t, json.Unmarshal(f.Payload, &m))
	if !c.store.isAppended(m.ID) {
		c.t.Errorf("message %s broadcast before it was persisted", m.ID)
	}
	return c.Conn.Send(data)
}

func messages(t *testing.T, c *registrytest.Conn) []protocol.MessagePayload {
	t.Helper()
	var out []protocol.MessagePayload
	for _, f := range c.FramesOf(protocol.TypeNewMessage) {
		var m protocol.MessagePayload
		require.NoError(t, json.Unmarshal(f.Payload, &m))
		out = append(out, m)
	}
	return out
}

func newFanout(t *testing.T, s Store, reg *registry.Registry, ev registry.Evictor) *Fanout {
	t.Helper()
	f := New(s, reg, ev, bus.New(), zap.NewNop(), time.Minute)
	t.Cleanup(func() { _ = f.Stop(context.Background()) })
	return f
}

func TestSendDeliversToOnlineMembers(t *testing.T) {
	reg := registry.New(4)
	st := newFakeStore(registrytest.Members{"c1": {"u1", "u2"}})
	u1a, u1b := registrytest.NewConn("1a", "u1"), registrytest.NewConn("1b", "u1")
	u2 := registrytest.NewConn("2", "u2")
	u3 := registrytest.NewConn("3", "u3")
	for _, c := range []*registrytest.Conn{u1a, u1b, u2, u3} {
		reg.Register(c)
	}

	f := newFanout(t, st, reg, &registrytest.Evictor{})
	msg, err := f.Send(context.Background(), "c1", "u1", "hi")
	require.NoError(t, err)

	want := []protocol.MessagePayload{{
		ID: msg.ID, ChatID: "c1", SenderID: "u1", Content: "hi", CreatedAt: msg.CreatedAt.UnixMilli(),
	}}
	require.Equal(t, want, messages(t, u2))
	require.Equal(t, want, messages(t, u1a), "sender's devices get the echo")
	require.Equal(t, want, messages(t, u1b))
	require.Empty(t, u3.Frames(), "non-member sees nothing")
}

func TestSendRejectsNonMember(t *testing.T) {
	reg := registry.New(4)
	st := newFakeStore(registrytest.Members{"c1": {"u1", "u2"}})
	u2 := registrytest.NewConn("2", "u2")
	reg.Register(u2)

	f := newFanout(t, st, reg, nil)
	_, err := f.Send(context.Background(), "c1", "u3", "hi")
	require.ErrorIs(t, err, protocol.ErrNotMember)
	require.Empty(t, st.appended)
	require.Empty(t, u2.Frames())
}

func TestSendPersistenceFailureBroadcastsNothing(t *testing.T) {
	reg := registry.New(4)
	st := newFakeStore(registrytest.Members{"c1": {"u1", "u2"}})
	st.appendErr = errors.New("disk full")
	u2 := registrytest.NewConn("2", "u2")
	reg.Register(u2)

	f := newFanout(t, st, reg, nil)
	_, err := f.Send(context.Background(), "c1", "u1", "hi")
	require.ErrorIs(t, err, protocol.ErrPersistence)
	require.Equal(t, protocol.CodePersistence, protocol.CodeOf(err))
	require.Empty(t, u2.Frames())
}

func TestOfflineMembersGetUnread(t *testing.T) {
	reg := registry.New(4)
	st := newFakeStore(registrytest.Members{"c1": {"u1", "u2", "u3"}})
	reg.Register(registrytest.NewConn("2", "u2"))

	f := newFanout(t, st, reg, nil)
	_, err := f.Send(context.Background(), "c1", "u1", "one")
	require.NoError(t, err)
	_, err = f.Send(context.Background(), "c1", "u1", "two")
	require.NoError(t, err)

	require.Equal(t, map[string]int{"c1/u3": 2}, st.unread, "offline sender and online members are not counted")
}

func TestFailedConnectionIsIsolated(t *testing.T) {
	reg := registry.New(4)
	st := newFakeStore(registrytest.Members{"c1": {"u1", "u2"}})
	bad := registrytest.NewConn("bad", "u2")
	bad.FailWith(fmt.Errorf("queue full: %w", protocol.ErrTransport))
	good := registrytest.NewConn("good", "u2")
	sender := registrytest.NewConn("s", "u1")
	reg.Register(bad)
	reg.Register(good)
	reg.Register(sender)

	ev := &registrytest.Evictor{}
	f := newFanout(t, st, reg, ev)
	_, err := f.Send(context.Background(), "c1", "u1", "hi")
	require.NoError(t, err, "a peer failure is not the sender's problem")

	require.Len(t, messages(t, good), 1)
	require.Equal(t, []string{"bad"}, ev.Evicted())
	require.True(t, bad.Closed())
}

func TestPersistBeforeBroadcastAndPerChatOrder(t *testing.T) {
	reg := registry.New(8)
	st := newFakeStore(registrytest.Members{"c1": {"u1", "u2", "u3"}})
	watchers := []*registrytest.Conn{
		registrytest.NewConn("w2", "u2"),
		registrytest.NewConn("w3", "u3"),
	}
	for _, w := range watchers {
		reg.Register(&checkingConn{Conn: w, t: t, store: st})
	}

	f := newFanout(t, st, reg, nil)
	const senders, each = 4, 25
	var wg sync.WaitGroup
	for s := range senders {
		wg.Go(func() {
			for i := range each {
				sender := []string{"u1", "u2", "u3"}[s%3]
				_, err := f.Send(context.Background(), "c1", sender, fmt.Sprintf("%d-%d", s, i))
				require.NoError(t, err)
			}
		})
	}
	wg.Wait()

	st.mu.Lock()
	order := append([]string(nil), st.appended...)
	st.mu.Unlock()
	require.Len(t, order, senders*each)

	for _, w := range watchers {
		var seen []string
		for _, m := range messages(t, w) {
			seen = append(seen, m.ID)
		}
		require.Equal(t, order, seen, "%s saw a different order", w.ID())
	}
}

func TestIdleWorkersRetire(t *testing.T) {
	reg := registry.New(1)
	st := newFakeStore(registrytest.Members{"c1": {"u1"}, "c2": {"u1"}})
	f := New(st, reg, nil, bus.New(), zap.NewNop(), 20*time.Millisecond)
	defer f.Stop(context.Background())

	_, err := f.Send(context.Background(), "c1", "u1", "a")
	require.NoError(t, err)
	_, err = f.Send(context.Background(), "c2", "u1", "b")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.Workers() == 0 }, 2*time.Second, 10*time.Millisecond)

	// A retired chat starts a fresh worker on the next send.
	_, err = f.Send(context.Background(), "c1", "u1", "c")
	require.NoError(t, err)
}

func TestSendAfterStop(t *testing.T) {
	f := New(newFakeStore(registrytest.Members{"c1": {"u1"}}), registry.New(1), nil, bus.New(), zap.NewNop(), time.Minute)
	require.NoError(t, f.Stop(context.Background()))
	_, err := f.Send(context.Background(), "c1", "u1", "late")
	require.ErrorIs(t, err, ErrStopped)
}
