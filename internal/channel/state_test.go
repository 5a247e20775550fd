package channel

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUninitialized, StateEstablishing, true},
		{StateUninitialized, StateRestoring, true},
		{StateUninitialized, StateHealthy, false},
		{StateEstablishing, StateEstablished, true},
		{StateEstablishing, StateHealthy, false},
		{StateEstablished, StateHealthy, true},
		{StateHealthy, StateDegraded, true},
		{StateDegraded, StateHealthy, true},
		{StateDegraded, StateResyncing, true},
		{StateRestoring, StateHealthy, false},
		{StateResyncing, StateEstablished, true},
		{StateFailed, StateEstablishing, true},
		{StateFailed, StateHealthy, false},
		{State("bogus"), StateFailed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateDescription(t *testing.T) {
	for s := range ValidTransitions {
		if StateDescription(s) == "Unknown state" {
			t.Errorf("StateDescription(%s) is unknown", s)
		}
	}
	if got := StateDescription("bogus"); got != "Unknown state" {
		t.Errorf("StateDescription(bogus) = %q", got)
	}
}

func TestState_IsUsable(t *testing.T) {
	usable := map[State]bool{
		StateEstablished: true,
		StateHealthy:     true,
		StateDegraded:    true,
	}
	for s := range ValidTransitions {
		if got := s.IsUsable(); got != usable[s] {
			t.Errorf("%s.IsUsable() = %v, want %v", s, got, usable[s])
		}
	}
}

func TestNewTransition(t *testing.T) {
	tr := NewTransition(StateFailed, StateRestoring, "recover")
	if !tr.IsValid() {
		t.Error("failed -> restoring reported invalid")
	}
	if tr.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if NewTransition(StateFailed, StateHealthy, "").IsValid() {
		t.Error("failed -> healthy reported valid")
	}
}
