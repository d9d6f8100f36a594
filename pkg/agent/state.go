package agent

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tacticalmesh/meshagent/pkg/observability"
)

// ConnectionState is the node's relationship with the controller
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateRegistered   ConnectionState = "REGISTERED"
	StateDegraded     ConnectionState = "DEGRADED"
)

var allStates = []ConnectionState{StateDisconnected, StateRegistered, StateDegraded}

// Transition records one state change
type Transition struct {
	From   ConnectionState `json:"from"`
	To     ConnectionState `json:"to"`
	Reason string          `json:"reason"`
	At     time.Time       `json:"at"`
}

// StateMachine owns the connection state. Nothing else mutates it; tasks
// report outcomes and the machine decides the resulting state.
//
// A rejected credential latches DISCONNECTED. While latched, only an
// operator reload clears the latch; no outcome moves the machine.
type StateMachine struct {
	mu        sync.RWMutex
	state     ConnectionState
	fatal     bool
	since     time.Time
	observers []func(Transition)
	logger    *zap.Logger
}

// NewStateMachine starts in DISCONNECTED
func NewStateMachine(logger *zap.Logger) *StateMachine {
	sm := &StateMachine{
		state:  StateDisconnected,
		since:  time.Now(),
		logger: logger.With(zap.String("component", "state")),
	}
	sm.publish()
	return sm
}

// State returns the current state
func (s *StateMachine) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Fatal reports whether credentials were rejected and not yet reconfigured
func (s *StateMachine) Fatal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatal
}

// Since returns when the current state was entered
func (s *StateMachine) Since() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since
}

// OnTransition registers an observer called after every state change
func (s *StateMachine) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Registered records a successful registration (or a resumed session)
func (s *StateMachine) Registered(reason string) {
	s.apply(func(cur ConnectionState, fatal bool) (ConnectionState, bool, bool) {
		return StateRegistered, false, true
	}, reason)
}

// Delivered records a heartbeat that reached the controller, directly or
// relayed.
func (s *StateMachine) Delivered(reason string) {
	s.apply(func(cur ConnectionState, fatal bool) (ConnectionState, bool, bool) {
		if fatal || cur != StateDegraded {
			return cur, fatal, false
		}
		return StateRegistered, false, true
	}, reason)
}

// Undelivered records a tick whose heartbeat reached the controller by no
// path within the retry budget.
func (s *StateMachine) Undelivered(reason string) {
	s.apply(func(cur ConnectionState, fatal bool) (ConnectionState, bool, bool) {
		if cur != StateRegistered {
			return cur, fatal, false
		}
		return StateDegraded, fatal, true
	}, reason)
}

// Rejected records a credential rejection and latches DISCONNECTED
func (s *StateMachine) Rejected(reason string) {
	s.apply(func(cur ConnectionState, fatal bool) (ConnectionState, bool, bool) {
		return StateDisconnected, true, cur != StateDisconnected || !fatal
	}, reason)
}

// ClearFatal releases the latch after operator reconfiguration. The machine
// stays DISCONNECTED until the next registration succeeds.
func (s *StateMachine) ClearFatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.fatal
	s.fatal = false
	if was {
		s.logger.Info("Credential latch cleared by reload")
	}
	return was
}

func (s *StateMachine) apply(next func(cur ConnectionState, fatal bool) (ConnectionState, bool, bool), reason string) {
	s.mu.Lock()
	from := s.state
	to, fatal, changed := next(from, s.fatal)
	s.fatal = fatal
	if !changed || to == from {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.since = time.Now()
	t := Transition{From: from, To: to, Reason: reason, At: s.since}
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	observability.AgentStateTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.publish()

	logFn := s.logger.Info
	if to != StateRegistered {
		logFn = s.logger.Warn
	}
	logFn("Connection state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)

	for _, fn := range observers {
		fn(t)
	}
}

func (s *StateMachine) publish() {
	cur := s.State()
	for _, st := range allStates {
		v := 0.0
		if st == cur {
			v = 1
		}
		observability.AgentConnectionState.WithLabelValues(string(st)).Set(v)
	}
}
