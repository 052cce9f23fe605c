package typing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/protocol"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/registry/registrytest"
)

type fixture struct {
	m        *Manager
	u1, u2   *registrytest.Conn
	outsider *registrytest.Conn
}

func setup(t *testing.T, ttl time.Duration) fixture {
	t.Helper()
	reg := registry.New(4)
	members := registrytest.Members{"c1": {"u1", "u2"}}
	f := fixture{
		m:        New(reg, members, &registrytest.Evictor{}, bus.New(), zap.NewNop(), ttl, 4),
		u1:       registrytest.NewConn("a", "u1"),
		u2:       registrytest.NewConn("b", "u2"),
		outsider: registrytest.NewConn("c", "u3"),
	}
	reg.Register(f.u1)
	reg.Register(f.u2)
	reg.Register(f.outsider)
	return f
}

func typingEvents(t *testing.T, frames []protocol.Frame) []protocol.TypingEvent {
	t.Helper()
	var out []protocol.TypingEvent
	for _, f := range frames {
		var e protocol.TypingEvent
		require.NoError(t, json.Unmarshal(f.Payload, &e))
		out = append(out, e)
	}
	return out
}

func TestRepeatedStartBroadcastsOnce(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, f.m.Start(ctx, "c1", "u1"))
	}

	require.Equal(t, []protocol.TypingEvent{{ChatID: "c1", UserID: "u1", IsTyping: true}},
		typingEvents(t, f.u2.FramesOf(protocol.TypeTyping)))
	require.Empty(t, f.u1.FramesOf(protocol.TypeTyping), "typist is not told about itself")
	require.Empty(t, f.outsider.FramesOf(protocol.TypeTyping))
	require.True(t, f.m.Active("c1", "u1"))
}

func TestExplicitStop(t *testing.T) {
	f := setup(t, time.Hour)
	require.NoError(t, f.m.Start(context.Background(), "c1", "u1"))
	f.m.Stop("c1", "u1")
	f.m.Stop("c1", "u1")

	got := typingEvents(t, f.u2.FramesOf(protocol.TypeTyping))
	require.Len(t, got, 2)
	require.False(t, got[1].IsTyping)
	require.False(t, f.m.Active("c1", "u1"))
}

func TestStopWithoutStartIsSilent(t *testing.T) {
	f := setup(t, time.Hour)
	f.m.Stop("c1", "u1")
	require.Empty(t, f.u2.Frames())
}

func TestExpiryBroadcastsStop(t *testing.T) {
	f := setup(t, 50*time.Millisecond)
	require.NoError(t, f.m.Start(context.Background(), "c1", "u1"))

	got := f.u2.WaitFor(protocol.TypeTyping, 2, 2*time.Second)
	require.Len(t, got, 2)
	require.False(t, typingEvents(t, got)[1].IsTyping)
	require.False(t, f.m.Active("c1", "u1"))
}

func TestRefreshPostponesExpiry(t *testing.T) {
	f := setup(t, 150*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, f.m.Start(ctx, "c1", "u1"))

	for range 4 {
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, f.m.Start(ctx, "c1", "u1"))
	}
	require.True(t, f.m.Active("c1", "u1"))
	require.Len(t, f.u2.FramesOf(protocol.TypeTyping), 1)

	got := f.u2.WaitFor(protocol.TypeTyping, 2, 2*time.Second)
	require.Len(t, got, 2)
}

func TestStopAll(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	f.m.members = registrytest.Members{"c1": {"u1", "u2"}, "c2": {"u1", "u2"}}
	require.NoError(t, f.m.Start(ctx, "c1", "u1"))
	require.NoError(t, f.m.Start(ctx, "c2", "u1"))

	f.m.StopAll("u1")

	require.False(t, f.m.Active("c1", "u1"))
	require.False(t, f.m.Active("c2", "u1"))
	stops := 0
	for _, e := range typingEvents(t, f.u2.FramesOf(protocol.TypeTyping)) {
		if !e.IsTyping {
			stops++
		}
	}
	require.Equal(t, 2, stops)
}

func TestStartRequiresMembership(t *testing.T) {
	f := setup(t, time.Hour)
	err := f.m.Start(context.Background(), "c1", "u3")
	require.ErrorIs(t, err, protocol.ErrNotMember)
	require.False(t, f.m.Active("c1", "u3"))
}
