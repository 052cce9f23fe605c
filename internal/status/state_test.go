package status

import (
	"errors"
	"testing"

	"github.com/matheus3301/relay/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine("c1", nil)
	if m.Current() != Connecting {
		t.Errorf("initial state = %s, want CONNECTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Connecting, Authenticating},
		{Connecting, Closing},
		{Authenticating, Active},
		{Authenticating, Closing},
		{Active, Closing},
		{Closing, Closed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("c1", nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Connecting, Active},
		{Authenticating, Authenticating},
		{Active, Authenticating},
		{Closing, Active},
		{Closed, Closing},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("c1", nil)
			walkTo(t, m, tt.from)
			err := m.Transition(tt.to)
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("Transition(%s -> %s) error = %v, want TransitionError", tt.from, tt.to, err)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want unchanged %s", m.Current(), tt.from)
			}
		})
	}
}

// TestAuthenticationCannotBeSkipped guards the invariant that no connection
// reaches Active (and therefore the registry) without passing Authenticating.
func TestAuthenticationCannotBeSkipped(t *testing.T) {
	m := NewMachine("c1", nil)
	if err := m.Transition(Active); err == nil {
		t.Fatal("Transition(CONNECTING -> ACTIVE) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine("c1", b)
	m.SetUser("u1")
	if err := m.Transition(Authenticating); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindSessionState {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindSessionState)
	}
	change, ok := evt.Payload.(Change)
	if !ok {
		t.Fatalf("payload type = %T, want Change", evt.Payload)
	}
	if change.From != Connecting || change.To != Authenticating || change.ConnID != "c1" || change.UserID != "u1" {
		t.Errorf("change = %+v", change)
	}
}

// TestFullLifecycle walks a healthy session from handshake to close.
func TestFullLifecycle(t *testing.T) {
	m := NewMachine("c1", nil)
	for _, s := range []State{Authenticating, Active, Closing, Closed} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Connecting:     {},
		Authenticating: {Authenticating},
		Active:         {Authenticating, Active},
		Closing:        {Authenticating, Active, Closing},
		Closed:         {Closing, Closed},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
