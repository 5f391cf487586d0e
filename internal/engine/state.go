package engine

import (
	"fmt"
	"sync"

	"github.com/dnsfence/dnsfence/internal/log"
)

// SessionState is the externally observable lifecycle of the engine.
type SessionState string

const (
	StateStopped      SessionState = "STOPPED"
	StateStarting     SessionState = "STARTING"
	StateRunning      SessionState = "RUNNING"
	StateReconnecting SessionState = "RECONNECTING_NETWORK_ERROR"
	StateStopping     SessionState = "STOPPING"
)

// legalTransitions encodes the session lifecycle: reconnects loop back to
// STARTING, stop is terminal through STOPPING.
var legalTransitions = map[SessionState][]SessionState{
	StateStopped:      {StateStarting},
	StateStarting:     {StateRunning, StateReconnecting, StateStopping},
	StateRunning:      {StateReconnecting, StateStopping},
	StateReconnecting: {StateStarting, StateStopping},
	StateStopping:     {StateStopped},
}

// FSM holds the session state. Transition is the only mutation API; every
// transition is logged and handed to the persist hook so the state
// survives process death.
type FSM struct {
	mu      sync.RWMutex
	current SessionState
	persist func(SessionState)
}

// NewFSM creates a state machine in STOPPED. persist may be nil.
func NewFSM(persist func(SessionState)) *FSM {
	return &FSM{
		current: StateStopped,
		persist: persist,
	}
}

// Current returns the current state.
func (f *FSM) Current() SessionState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Transition moves to the given state, rejecting moves the lifecycle does
// not allow.
func (f *FSM) Transition(to SessionState) error {
	f.mu.Lock()

	allowed := false
	for _, next := range legalTransitions[f.current] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		from := f.current
		f.mu.Unlock()
		return fmt.Errorf("illegal session transition %s -> %s", from, to)
	}

	log.Infof("Session state: %s -> %s", f.current, to)
	f.current = to
	persist := f.persist
	f.mu.Unlock()

	if persist != nil {
		persist(to)
	}
	return nil
}
