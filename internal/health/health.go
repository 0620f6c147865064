package health

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"zapdesk/internal/bus"
)

// State is a connection-health state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Degraded     State = "degraded"
)

// validTransitions defines allowed health transitions. Degraded means the
// session is up but local state may lag the server (resync pending), so it
// is reachable only from an established session.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Degraded, Disconnected},
	Connected:    {Degraded, Disconnected},
	Degraded:     {Connected, Disconnected},
}

// Machine tracks and enforces connection-health transitions. Only the
// transport mutates it; everyone else observes via Current or the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Disconnected.
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

// Healthy reports whether the session is connected and fully synchronized.
func (m *Machine) Healthy() bool {
	return m.Current() == Connected
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed; the state is unchanged in that case.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid health transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnStatusChanged,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for conn.status_changed events.
type StatusChange struct {
	From State
	To   State
}
