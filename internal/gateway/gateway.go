// Package gateway terminates client WebSocket connections: it authenticates
// them, keeps them alive with heartbeats and dispatches their frames.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/fanout"
	"github.com/matheus3301/relay/internal/presence"
	"github.com/matheus3301/relay/internal/receipts"
	"github.com/matheus3301/relay/internal/typing"
)

// Authenticator turns a credential into a user id.
type Authenticator interface {
	Validate(ctx context.Context, credential string) (string, error)
}

// Membership answers whether a user may post to a chat.
type Membership interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
}

// Options tunes session behaviour.
type Options struct {
	AuthTimeout        time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatMaxMisses int
	SendQueueSize      int
	MaxFrameBytes      int64
	WriteTimeout       time.Duration
}

// Deps are the components a session dispatches to.
type Deps struct {
	Auth     Authenticator
	Members  Membership
	Presence *presence.Tracker
	Typing   *typing.Manager
	Fanout   *fanout.Fanout
	Receipts *receipts.Aggregator
	Bus      *bus.Bus
	Log      *zap.Logger
}

var errShuttingDown = errors.New("gateway shutting down")

// Gateway is the http.Handler that upgrades and serves client connections.
type Gateway struct {
	opts     Options
	deps     Deps
	log      *zap.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

func New(opts Options, deps Deps) *Gateway {
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendQueueSize < 1 {
		opts.SendQueueSize = 64
	}
	if opts.HeartbeatMaxMisses < 1 {
		opts.HeartbeatMaxMisses = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		opts: opts,
		deps: deps,
		log:  deps.Log.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients authenticate with a bearer credential inside the
			// socket, not with cookies, so any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		http.Error(w, errShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		g.log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s := newSession(g, ws)
	g.track(s)
	defer g.untrack(s)
	s.run(g.ctx)
}

func (g *Gateway) track(s *Session) {
	g.mu.Lock()
	g.sessions[s.id] = s
	closing := g.closing
	g.mu.Unlock()
	if closing {
		_ = s.Close()
	}
}

func (g *Gateway) untrack(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()
}

// Sessions returns the number of connections currently served, authenticated
// or not.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown refuses new connections, closes every session and waits for their
// teardown to finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	open := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()

	for _, s := range open {
		_ = s.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	defer g.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
