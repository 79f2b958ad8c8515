package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hdhq1504/chatsync/internal/bus"
)

// State represents the real-time transport connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions. Reconnecting loops
// back through Connecting on each retry; exhausting the retry budget lands
// in Disconnected, where only an external trigger can restart the cycle.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Disconnected, Reconnecting},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces transport state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
