// Package registrytest provides in-memory connections for tests.
package registrytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/relay/internal/protocol"
	"github.com/matheus3301/relay/internal/registry"
)

var _ registry.Conn = (*Conn)(nil)

// Conn records every frame sent to it.
type Conn struct {
	id, user string

	mu     sync.Mutex
	frames [][]byte
	fail   error
	closed bool
	notify chan struct{}
}

// NewConn returns a connection owned by user.
func NewConn(id, user string) *Conn {
	return &Conn{id: id, user: user, notify: make(chan struct{}, 1)}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.user }
func (c *Conn) Device() string { return "test" }

// FailWith makes every later Send return err.
func (c *Conn) FailWith(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("conn %s closed: %w", c.id, protocol.ErrTransport)
	}
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, data)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames decodes everything received so far.
func (c *Conn) Frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		f, err := protocol.Decode(raw)
		if err != nil {
			panic(err)
		}
		out = append(out, f)
	}
	return out
}

// FramesOf returns received frames of type t.
func (c *Conn) FramesOf(t protocol.Type) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range c.Frames() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// Reset forgets received frames.
func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// WaitFor blocks until at least n frames of type t arrived or d elapses, and
// returns what it saw.
func (c *Conn) WaitFor(t protocol.Type, n int, d time.Duration) []protocol.Frame {
	deadline := time.After(d)
	for {
		got := c.FramesOf(t)
		if len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-deadline:
			return got
		}
	}
}

// Evictor records and closes evicted connections.
type Evictor struct {
	mu      sync.Mutex
	evicted []string
}

func (e *Evictor) Evict(c registry.Conn, _ error) {
	e.mu.Lock()
	e.evicted = append(e.evicted, c.ID())
	e.mu.Unlock()
	_ = c.Close()
}

// Evicted returns the ids of evicted connections in eviction order.
func (e *Evictor) Evicted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.evicted...)
}

// Members is a fixed chat membership table.
type Members map[string][]string

func (m Members) Members(_ context.Context, chatID string) ([]string, error) {
	return m[chatID], nil
}

func (m Members) ChatsOf(_ context.Context, userID string) ([]string, error) {
	var out []string
	for chat, users := range m {
		for _, u := range users {
			if u == userID {
				out = append(out, chat)
				break
			}
		}
	}
	return out, nil
}

func (m Members) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	for _, u := range m[chatID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}
