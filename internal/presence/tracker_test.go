package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/protocol"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/registry/registrytest"
)

func newTracker(t *testing.T, members registrytest.Members) (*Tracker, *registry.Registry, *bus.Bus) {
	t.Helper()
	reg := registry.New(4)
	b := bus.New()
	return New(reg, members, &registrytest.Evictor{}, b, zap.NewNop()), reg, b
}

func presenceOf(t *testing.T, c *registrytest.Conn) []protocol.PresencePayload {
	t.Helper()
	var out []protocol.PresencePayload
	for _, f := range c.FramesOf(protocol.TypePresence) {
		var p protocol.PresencePayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		out = append(out, p)
	}
	return out
}

func TestAttachAnnouncesOnlineToOnlineCoMembers(t *testing.T) {
	tr, _, _ := newTracker(t, registrytest.Members{
		"c1": {"u1", "u2"},
		"c2": {"u1", "u3"},
		"c9": {"u4", "u5"},
	})
	ctx := context.Background()

	u2 := registrytest.NewConn("b", "u2")
	u4 := registrytest.NewConn("d", "u4")
	tr.Attach(ctx, u2)
	tr.Attach(ctx, u4)
	u2.Reset()

	require.True(t, tr.Attach(ctx, registrytest.NewConn("a", "u1")))

	require.Equal(t, []protocol.PresencePayload{{UserID: "u1", Status: protocol.Online}}, presenceOf(t, u2))
	require.Empty(t, presenceOf(t, u4), "non co-member must not be told")
}

func TestSecondDeviceDoesNotReannounce(t *testing.T) {
	tr, _, _ := newTracker(t, registrytest.Members{"c1": {"u1", "u2"}})
	ctx := context.Background()

	peer := registrytest.NewConn("p", "u2")
	tr.Attach(ctx, peer)

	tr.Attach(ctx, registrytest.NewConn("a", "u1"))
	require.False(t, tr.Attach(ctx, registrytest.NewConn("b", "u1")))
	require.Len(t, presenceOf(t, peer), 1)
}

func TestOfflineOnlyAfterLastConnection(t *testing.T) {
	tr, reg, _ := newTracker(t, registrytest.Members{"c1": {"u1", "u2"}})
	ctx := context.Background()

	peer := registrytest.NewConn("p", "u2")
	tr.Attach(ctx, peer)
	a := registrytest.NewConn("a", "u1")
	b := registrytest.NewConn("b", "u1")
	tr.Attach(ctx, a)
	tr.Attach(ctx, b)
	peer.Reset()

	require.False(t, tr.Detach(ctx, a))
	require.Equal(t, protocol.Online, tr.Status("u1"))
	require.Empty(t, presenceOf(t, peer))

	require.True(t, tr.Detach(ctx, b))
	require.False(t, reg.IsOnline("u1"))
	require.Equal(t, []protocol.PresencePayload{{UserID: "u1", Status: protocol.Offline}}, presenceOf(t, peer))
}

func TestConcurrentDetachEmitsOneOffline(t *testing.T) {
	tr, _, b := newTracker(t, registrytest.Members{"c1": {"u1", "u2"}})
	ctx := context.Background()
	events, unsub := b.Subscribe(bus.KindPresenceChanged, 64)
	defer unsub()

	peer := registrytest.NewConn("p", "u2")
	tr.Attach(ctx, peer)
	conns := make([]*registrytest.Conn, 10)
	for i := range conns {
		conns[i] = registrytest.NewConn(string(rune('a'+i)), "u1")
		tr.Attach(ctx, conns[i])
	}
	peer.Reset()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Go(func() { tr.Detach(ctx, c) })
	}
	wg.Wait()

	require.Len(t, presenceOf(t, peer), 1)

	offline := 0
	for len(events) > 0 {
		ev := <-events
		if ev.Payload.(bus.PresenceChange).Status == string(protocol.Offline) {
			offline++
		}
	}
	require.Equal(t, 1, offline)
}

func TestAwayOverride(t *testing.T) {
	tr, _, _ := newTracker(t, registrytest.Members{"c1": {"u1", "u2"}})
	ctx := context.Background()

	peer := registrytest.NewConn("p", "u2")
	tr.Attach(ctx, peer)
	me := registrytest.NewConn("a", "u1")
	tr.Attach(ctx, me)
	peer.Reset()

	require.NoError(t, tr.SetStatus(ctx, "u1", protocol.Away))
	require.NoError(t, tr.SetStatus(ctx, "u1", protocol.Away))
	require.Equal(t, protocol.Away, tr.Status("u1"))
	require.Equal(t, []protocol.PresencePayload{{UserID: "u1", Status: protocol.Away}}, presenceOf(t, peer))

	// Going offline clears the override.
	tr.Detach(ctx, me)
	tr.Attach(ctx, registrytest.NewConn("b", "u1"))
	require.Equal(t, protocol.Online, tr.Status("u1"))

	require.ErrorIs(t, tr.SetStatus(ctx, "u1", protocol.Offline), protocol.ErrMalformedFrame)
}

func TestSetStatusIgnoredWhileOffline(t *testing.T) {
	tr, _, _ := newTracker(t, registrytest.Members{"c1": {"u1", "u2"}})
	require.NoError(t, tr.SetStatus(context.Background(), "u1", protocol.Away))
	require.Equal(t, protocol.Offline, tr.Status("u1"))
}

func TestAttachSendsSnapshotOfOnlinePeers(t *testing.T) {
	tr, _, _ := newTracker(t, registrytest.Members{
		"c1": {"u1", "u2", "u3"},
		"c2": {"u1", "u2"},
	})
	ctx := context.Background()

	tr.Attach(ctx, registrytest.NewConn("b", "u2"))
	require.NoError(t, tr.SetStatus(ctx, "u2", protocol.Away))

	me := registrytest.NewConn("a", "u1")
	tr.Attach(ctx, me)
	require.Equal(t, []protocol.PresencePayload{{UserID: "u2", Status: protocol.Away}}, presenceOf(t, me))

	// A second device gets the same snapshot.
	other := registrytest.NewConn("c", "u1")
	require.False(t, tr.Attach(ctx, other))
	require.Equal(t, []protocol.PresencePayload{{UserID: "u2", Status: protocol.Away}}, presenceOf(t, other))
}

// Users joining at the same moment learn about each other exactly once,
// through either the peer's announcement or their own snapshot.
func TestConcurrentAttachReportsEachPeerOnce(t *testing.T) {
	users := []string{"u0", "u1", "u2", "u3", "u4", "u5", "u6", "u7"}
	tr, _, _ := newTracker(t, registrytest.Members{"c1": users})
	ctx := context.Background()

	conns := make([]*registrytest.Conn, len(users))
	for i, u := range users {
		conns[i] = registrytest.NewConn("conn-"+u, u)
	}
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Go(func() { tr.Attach(ctx, c) })
	}
	wg.Wait()

	for i, c := range conns {
		seen := map[string]int{}
		for _, p := range presenceOf(t, c) {
			require.Equal(t, protocol.Online, p.Status)
			seen[p.UserID]++
		}
		require.Len(t, seen, len(users)-1, "user %s", users[i])
		for peer, n := range seen {
			require.Equal(t, 1, n, "user %s heard about %s %d times", users[i], peer, n)
		}
	}
}

func TestInterestedDeduplicates(t *testing.T) {
	tr, _, _ := newTracker(t, registrytest.Members{
		"c1": {"u1", "u2"},
		"c2": {"u1", "u2", "u3"},
	})
	got, err := tr.Interested(context.Background(), "u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"u2", "u3"}, got)
}
