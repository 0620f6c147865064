package health

import (
	"testing"
	"time"

	"zapdesk/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want disconnected", m.Current())
	}
	if m.Healthy() {
		t.Error("disconnected must not report healthy")
	}
}

func TestValidTransitions(t *testing.T) {
	steps := []State{Connecting, Degraded, Connected, Disconnected, Connecting, Connected}
	m := NewMachine(nil)
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if !m.Healthy() {
		t.Error("connected must report healthy")
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from, to State
	}{
		{Disconnected, Connected},
		{Disconnected, Degraded},
		{Connected, Connecting},
		{Degraded, Connecting},
	}
	for _, tt := range tests {
		m := &Machine{current: tt.from}
		if err := m.Transition(tt.to); err == nil {
			t.Errorf("transition %s -> %s should be rejected", tt.from, tt.to)
		}
		if m.Current() != tt.from {
			t.Errorf("state changed on rejected transition: %s", m.Current())
		}
	}
}

func TestTransitionPublishesEvent(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindConnStatusChanged {
			t.Errorf("kind = %q, want %q", evt.Kind, bus.KindConnStatusChanged)
		}
		sc, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type %T", evt.Payload)
		}
		if sc.From != Disconnected || sc.To != Connecting {
			t.Errorf("payload = %+v", sc)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
