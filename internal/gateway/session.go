package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/bus"
	"github.com/matheus3301/relay/internal/protocol"
	"github.com/matheus3301/relay/internal/registry"
	"github.com/matheus3301/relay/internal/status"
)

const defaultDevice = "unknown"

var _ registry.Conn = (*Session)(nil)

// Session is one client connection. It implements registry.Conn once
// authenticated.
type Session struct {
	id      string
	g       *Gateway
	ws      *websocket.Conn
	machine *status.Machine
	log     *zap.Logger

	userID string
	device string

	mu     sync.Mutex
	closed bool
	send   chan []byte
	done   chan struct{}
	pong   chan struct{}
	inbox  chan protocol.Frame
}

func newSession(g *Gateway, ws *websocket.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		g:       g,
		ws:      ws,
		machine: status.NewMachine(id, g.deps.Bus),
		log:     g.log.With(zap.String("conn_id", id)),
		send:    make(chan []byte, g.opts.SendQueueSize),
		done:    make(chan struct{}),
		pong:    make(chan struct{}, 1),
		inbox:   make(chan protocol.Frame, g.opts.SendQueueSize),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }
func (s *Session) Device() string { return s.device }

// State returns the session's lifecycle state.
func (s *Session) State() status.State { return s.machine.Current() }

// Send queues a frame for the writer. It never blocks: a closed session or a
// full queue is reported as a transport error.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s closed: %w", s.id, protocol.ErrTransport)
	}
	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("session %s send queue full: %w", s.id, protocol.ErrTransport)
	}
}

// Close stops the session. Any pending read fails at once and the writer
// sends a close frame before closing the socket. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	// Before authentication no writer runs yet, so the read deadline is what
	// releases a socket still waiting for its auth frame.
	_ = s.ws.SetReadDeadline(time.Now())
	return nil
}

func (s *Session) transition(to status.State) {
	if err := s.machine.Transition(to); err != nil {
		s.log.Warn("state transition rejected", zap.Error(err))
	}
}

func (s *Session) run(ctx context.Context) {
	s.transition(status.Authenticating)
	s.ws.SetReadLimit(s.g.opts.MaxFrameBytes)

	if err := s.authenticate(ctx); err != nil {
		if s.isClosed() {
			s.abandon()
			return
		}
		s.rejectAuth(err)
		return
	}

	var loops, dispatcher sync.WaitGroup
	loops.Go(s.writeLoop)

	s.transition(status.Active)
	_ = s.Send(protocol.MustEncode(protocol.TypeConnected, protocol.ConnectedPayload{
		ConnectionID: s.id,
		UserID:       s.userID,
	}))
	s.g.deps.Presence.Attach(ctx, s)
	s.log.Info("session active", zap.String("user_id", s.userID), zap.String("device", s.device))

	loops.Go(s.heartbeat)
	dispatcher.Go(func() { s.dispatchLoop(ctx) })
	s.readLoop()

	s.transition(status.Closing)
	_ = s.Close()
	// The in-flight command finishes before presence and typing are torn down.
	dispatcher.Wait()
	if s.g.deps.Presence.Detach(ctx, s) {
		s.g.deps.Typing.StopAll(s.userID)
	}
	loops.Wait()
	s.transition(status.Closed)
	s.log.Info("session closed", zap.String("user_id", s.userID))
}

func (s *Session) authenticate(ctx context.Context) error {
	if err := s.ws.SetReadDeadline(time.Now().Add(s.g.opts.AuthTimeout)); err != nil {
		return fmt.Errorf("set auth deadline: %w", err)
	}
	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("waiting for auth frame: %v: %w", err, protocol.ErrAuthentication)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("auth frame: %v: %w", err, protocol.ErrAuthentication)
	}
	if f.Type != protocol.TypeAuth {
		return fmt.Errorf("expected auth frame, got %q: %w", f.Type, protocol.ErrAuthentication)
	}
	var p protocol.AuthPayload
	if err := protocol.DecodePayload(f, &p); err != nil {
		return fmt.Errorf("auth payload: %v: %w", err, protocol.ErrAuthentication)
	}

	actx, cancel := context.WithTimeout(ctx, s.g.opts.AuthTimeout)
	defer cancel()
	userID, err := s.g.deps.Auth.Validate(actx, p.Credential)
	if err != nil {
		return err
	}

	s.userID = userID
	s.device = p.Device
	if s.device == "" {
		s.device = defaultDevice
	}
	s.machine.SetUser(userID)
	s.log = s.log.With(zap.String("user_id", userID))
	return s.ws.SetReadDeadline(time.Time{})
}

// rejectAuth answers with an error frame, closes the socket and finishes the
// lifecycle without ever touching the registry.
func (s *Session) rejectAuth(err error) {
	s.log.Info("authentication failed", zap.Error(err))
	s.g.deps.Bus.Publish(bus.KindSessionAuthFail, s.id)

	s.transition(status.Closing)
	_ = s.Close()
	deadline := time.Now().Add(s.g.opts.WriteTimeout)
	_ = s.ws.SetWriteDeadline(deadline)
	_ = s.ws.WriteMessage(websocket.TextMessage, protocol.ErrorFrame(err))
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
	_ = s.ws.Close()
	s.transition(status.Closed)
}

// abandon ends a session closed from outside before it authenticated.
func (s *Session) abandon() {
	s.transition(status.Closing)
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, errShuttingDown.Error()),
		time.Now().Add(s.g.opts.WriteTimeout))
	_ = s.ws.Close()
	s.transition(status.Closed)
}

// readLoop decodes inbound frames. Heartbeat frames are answered here so a
// slow command never delays them; everything else is queued for
// dispatchLoop in arrival order.
func (s *Session) readLoop() {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !s.isClosed() {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			s.reply(err)
			continue
		}
		switch f.Type {
		case protocol.TypePing:
			_ = s.Send(protocol.MustEncode(protocol.TypePong, nil))
		case protocol.TypePong:
			select {
			case s.pong <- struct{}{}:
			default:
			}
		default:
			select {
			case s.inbox <- f:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Session) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.inbox:
			s.dispatch(ctx, f)
		}
	}
}

func (s *Session) writeLoop() {
	defer s.ws.Close()
	for {
		select {
		case data := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.g.opts.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug("write failed", zap.Error(err))
				_ = s.Close()
				return
			}
		case <-s.done:
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.g.opts.WriteTimeout))
			return
		}
	}
}

// heartbeat probes the client every interval and closes the session after
// HeartbeatMaxMisses consecutive probes went unanswered within the timeout.
func (s *Session) heartbeat() {
	ticker := time.NewTicker(s.g.opts.HeartbeatInterval)
	defer ticker.Stop()
	ping := protocol.MustEncode(protocol.TypePing, nil)
	misses := 0

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		select {
		case <-s.pong:
		default:
		}
		if err := s.Send(ping); err != nil {
			_ = s.Close()
			return
		}

		timeout := time.NewTimer(s.g.opts.HeartbeatTimeout)
		select {
		case <-s.done:
			timeout.Stop()
			return
		case <-s.pong:
			timeout.Stop()
			misses = 0
		case <-timeout.C:
			misses++
			s.log.Debug("heartbeat missed", zap.Int("misses", misses))
			if misses >= s.g.opts.HeartbeatMaxMisses {
				s.log.Info("closing unresponsive session", zap.Int("misses", misses))
				_ = s.Close()
				return
			}
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) reply(err error) {
	if errors.Is(err, context.Canceled) && s.isClosed() {
		return
	}
	s.log.Debug("frame rejected", zap.String("code", string(protocol.CodeOf(err))), zap.Error(err))
	_ = s.Send(protocol.ErrorFrame(err))
}
