package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/tmacedo/courier/bus"
)

// State represents the engine's connectivity to the remote store.
type State string

const (
	Starting State = "STARTING"
	Online   State = "ONLINE"
	Offline  State = "OFFLINE"
	Closed   State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Starting: {Online, Offline, Closed},
	Online:   {Offline, Closed},
	Offline:  {Online, Closed},
	Closed:   {},
}

// Machine tracks and enforces connectivity state transitions. The sync
// engine drains the queue when it observes a transition to Online.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Starting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Starting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is
// invalid. A self-transition is a no-op that publishes nothing.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind: bus.KindStatusChanged,
			Payload: Change{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// Change is the payload for status change events.
type Change struct {
	From State
	To   State
}
