package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/relay/internal/bus"
)

// State is a connection's position in the session lifecycle.
type State string

const (
	Connecting     State = "CONNECTING"
	Authenticating State = "AUTHENTICATING"
	Active         State = "ACTIVE"
	Closing        State = "CLOSING"
	Closed         State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closing is reachable from
// every live state so any failure can tear the session down.
var validTransitions = map[State][]State{
	Connecting:     {Authenticating, Closing},
	Authenticating: {Active, Closing},
	Active:         {Closing},
	Closing:        {Closed},
	Closed:         {},
}

// TransitionError reports a transition the table does not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// Machine tracks and enforces one connection's state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	connID  string
	userID  string
	bus     *bus.Bus
}

// NewMachine creates a state machine for connID starting in Connecting.
func NewMachine(connID string, b *bus.Bus) *Machine {
	return &Machine{
		current: Connecting,
		connID:  connID,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetUser attaches the authenticated user to subsequent change events.
func (m *Machine) SetUser(userID string) {
	m.mu.Lock()
	m.userID = userID
	m.mu.Unlock()
}

// Transition attempts to move to a new state. Returns *TransitionError if the
// move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return &TransitionError{From: m.current, To: to}
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.KindSessionState, Change{
		ConnID: m.connID,
		UserID: m.userID,
		From:   from,
		To:     to,
	})
	return nil
}

// Change is the payload for state change events.
type Change struct {
	ConnID string
	UserID string
	From   State
	To     State
}
