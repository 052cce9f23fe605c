package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/auth"
	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/presence"
	"github.com/matheus3301/relay/internal/protocol"
	"github.com/matheus3301/relay/internal/receipts"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/store"
	"github.com/matheus3301/relay/internal/typing"
)

const testSecret = "test-secret"

type harness struct {
	db     *store.DB
	reg    *registry.Registry
	issuer *auth.JWT
	gw     *Gateway
	srv    *httptest.Server
}

func testOptions() Options {
	return Options{
		AuthTimeout:        time.Second,
		HeartbeatInterval:  time.Hour,
		HeartbeatTimeout:   time.Minute,
		HeartbeatMaxMisses: 2,
		SendQueueSize:      64,
		MaxFrameBytes:      64 << 10,
		WriteTimeout:       time.Second,
	}
}

func newHarness(t *testing.T, opts Options, typingTTL time.Duration) *harness {
	t.Helper()
	return newHarnessWith(t, opts, typingTTL, nil)
}

// newHarnessWith lets a test wrap the membership the gateway checks sends
// against.
func newHarnessWith(t *testing.T, opts Options, typingTTL time.Duration, members func(*store.DB) Membership) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	require.NoError(t, db.CreateChat(ctx, "c1", "u1", "u2"))
	require.NoError(t, db.CreateChat(ctx, "c2", "u2", "u3"))

	jwt, err := auth.NewJWT(testSecret, "relay")
	require.NoError(t, err)

	log := zap.NewNop()
	b := bus.New()
	reg := registry.New(8)
	ev := registry.NewCloseEvictor(log, b)
	fo := fanout.New(db, reg, ev, b, log, time.Minute)
	var gm Membership = db
	if members != nil {
		gm = members(db)
	}
	gw := New(opts, Deps{
		Auth:     jwt,
		Members:  gm,
		Presence: presence.New(reg, db, ev, b, log),
		Typing:   typing.New(reg, db, ev, b, log, typingTTL, 8),
		Fanout:   fo,
		Receipts: receipts.New(db, reg, ev, b, log),
		Bus:      b,
		Log:      log,
	})
	srv := httptest.NewServer(gw)

	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(sctx)
		srv.Close()
		_ = fo.Stop(sctx)
		_ = db.Close()
	})
	return &harness{db: db, reg: reg, issuer: jwt, gw: gw, srv: srv}
}

type client struct {
	t       *testing.T
	ws      *websocket.Conn
	frames  chan protocol.Frame
	gone    chan struct{}
	pending []protocol.Frame
}

func (h *harness) raw(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: t, ws: ws, frames: make(chan protocol.Frame, 256), gone: make(chan struct{})}
	go func() {
		defer close(c.gone)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.Decode(data)
			if err != nil {
				return
			}
			c.frames <- f
		}
	}()
	return c
}

// connect dials and authenticates as user, returning once connected arrived.
func (h *harness) connect(t *testing.T, user string) *client {
	t.Helper()
	token, err := h.issuer.Issue(user, time.Hour)
	require.NoError(t, err)
	c := h.raw(t)
	c.send(protocol.TypeAuth, protocol.AuthPayload{Credential: token, Device: "web"})
	var p protocol.ConnectedPayload
	c.expect(protocol.TypeConnected, &p)
	require.Equal(t, user, p.UserID)
	require.NotEmpty(t, p.ConnectionID)
	return c
}

func (c *client) send(typ protocol.Type, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(typ, payload)))
}

func (c *client) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(data)))
}

// expect returns the next frame of type typ, buffering anything else.
func (c *client) expect(typ protocol.Type, v any) {
	c.t.Helper()
	for i, f := range c.pending {
		if f.Type == typ {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.decode(f, v)
			return
		}
	}
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if f.Type == typ {
				c.decode(f, v)
				return
			}
			c.pending = append(c.pending, f)
		case <-c.gone:
			select {
			case f := <-c.frames:
				c.pending = append(c.pending, f)
				c.expect(typ, v)
				return
			default:
			}
			c.t.Fatalf("connection closed while waiting for %s", typ)
		case <-timeout:
			c.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// expectNone asserts no frame of type typ arrives within d.
func (c *client) expectNone(typ protocol.Type, d time.Duration) {
	c.t.Helper()
	for _, f := range c.pending {
		require.NotEqual(c.t, typ, f.Type, "unexpected %s: %s", typ, f.Payload)
	}
	timeout := time.After(d)
	for {
		select {
		case f := <-c.frames:
			require.NotEqual(c.t, typ, f.Type, "unexpected %s: %s", typ, f.Payload)
			c.pending = append(c.pending, f)
		case <-timeout:
			return
		}
	}
}

func (c *client) decode(f protocol.Frame, v any) {
	c.t.Helper()
	if v != nil {
		require.NoError(c.t, json.Unmarshal(f.Payload, v))
	}
}

// closed waits until the server closes the connection.
func (c *client) closed() {
	c.t.Helper()
	select {
	case <-c.gone:
	case <-time.After(3 * time.Second):
		c.t.Fatal("connection still open")
	}
}
