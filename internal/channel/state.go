package channel

import (
	"errors"
	"time"
)

// State is the lifecycle state of one connection.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateEstablishing  State = "establishing"
	StateEstablished   State = "established"
	StateHealthy       State = "healthy"
	StateDegraded      State = "degraded"
	StateRestoring     State = "restoring"
	StateResyncing     State = "resyncing"
	StateFailed        State = "failed"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateUninitialized: {StateEstablishing, StateRestoring},
	StateEstablishing:  {StateEstablished, StateFailed},
	StateEstablished: {
		StateHealthy,
		StateDegraded,
		StateRestoring,
		StateResyncing,
		StateFailed,
	},
	StateHealthy: {
		StateDegraded,
		StateRestoring,
		StateResyncing,
		StateFailed,
	},
	StateDegraded: {
		StateHealthy,
		StateRestoring,
		StateResyncing,
		StateFailed,
	},
	StateRestoring: {StateEstablished, StateFailed},
	StateResyncing: {StateEstablished, StateFailed},
	StateFailed:    {StateEstablishing, StateRestoring, StateResyncing},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// IsUsable reports whether requests may be sent in state s.
func (s State) IsUsable() bool {
	switch s {
	case StateEstablished, StateHealthy, StateDegraded:
		return true
	default:
		return false
	}
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateUninitialized:
		return "Uninitialized - session created, no key exchange yet"
	case StateEstablishing:
		return "Establishing - key exchange in progress"
	case StateEstablished:
		return "Established - channel ready"
	case StateHealthy:
		return "Healthy - last request succeeded"
	case StateDegraded:
		return "Degraded - last request failed, retrying"
	case StateRestoring:
		return "Restoring - resuming from persisted snapshot"
	case StateResyncing:
		return "Resyncing - aligning chain lengths with the server"
	case StateFailed:
		return "Failed - channel needs recovery"
	default:
		return "Unknown state"
	}
}
