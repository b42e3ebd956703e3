// Package status tracks the client's connection state machine. There is one
// machine per process; every other component observes it through the bus and
// Current(), never by touching the connection itself.
package status

import (
	"fmt"
	"slices"
	"sync"

	"chatsync/internal/bus"
)

// State is a connection lifecycle state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	// Error is terminal for the automatic reconnect loop. Only an explicit
	// manual retry leaves it.
	Error State = "ERROR"
)

// validTransitions defines allowed state transitions. Disconnected is
// reachable from everywhere because logout closes the connection regardless
// of what the loop was doing.
var validTransitions = map[State][]State{
	Disconnected: {Connecting, Reconnecting, Error},
	Connecting:   {Connected, Reconnecting, Disconnected, Error},
	Connected:    {Disconnected, Reconnecting},
	Reconnecting: {Connecting, Disconnected, Error},
	Error:        {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions, publishing a bus
// event on every change.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// Change is the payload of conn.status_changed events.
type Change struct {
	From State
	To   State
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the machine
// does not allow the move; the state is unchanged in that case.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Now(bus.KindConnStatusChanged, Change{From: from, To: to}))
	}
	return nil
}
