package asp

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Protocol timers. Values are defaults; the starting, processing and idle
// timers are enforced by whichever side owns the corresponding transition.
const (
	DefaultStartingTimeout   = 5 * time.Second
	DefaultProcessingTimeout = 10 * time.Second
	DefaultIdleTimeout       = 300 * time.Second
	DefaultPingInterval      = 15 * time.Second

	// DefaultCancelDeadline bounds the time from barge_in receipt to the
	// last outbound frame dispatched by the server.
	DefaultCancelDeadline = 50 * time.Millisecond

	// DefaultSessionCancelDeadline bounds full teardown of a session's
	// child tasks.
	DefaultSessionCancelDeadline = 500 * time.Millisecond

	// DefaultMaxUtterance is the server-side safety limit on one caller
	// utterance; longer utterances are forcibly ended.
	DefaultMaxUtterance = 30 * time.Second
)

// State is one position in the session lifecycle. Both endpoints run the
// same state set; the legal transitions differ only in who initiates them.
type State int

const (
	// StateIdle is the initial state before the transport is established.
	StateIdle State = iota

	// StateCapabilities means the transport is up and the server has sent
	// (or the client awaits) the capabilities advertisement.
	StateCapabilities

	// StateStarting means session.start is in flight.
	StateStarting

	// StateListening is the active state in which caller audio is captured
	// and no response is being produced.
	StateListening

	// StateProcessing means an utterance has ended and the pipeline is
	// working on a response that has produced no audio yet.
	StateProcessing

	// StateSpeaking means response audio is flowing. Entry is marked by the
	// first outbound frame handed to the transport, not by response.start.
	StateSpeaking

	// StateEnding means session.end has been exchanged and teardown is in
	// progress.
	StateEnding

	// StateClosed is terminal.
	StateClosed
)

// String returns the lifecycle name used in logs and errors.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapabilities:
		return "capabilities"
	case StateStarting:
		return "starting"
	case StateListening:
		return "active/listening"
	case StateProcessing:
		return "active/processing"
	case StateSpeaking:
		return "active/speaking"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether s is one of the Active/* states.
func (s State) Active() bool {
	return s == StateListening || s == StateProcessing || s == StateSpeaking
}

// ErrBadTransition is returned by [StateMachine.Transition] for a move the
// lifecycle does not allow.
var ErrBadTransition = errors.New("illegal session state transition")

// legalNext enumerates the allowed transitions. StateClosed is reachable
// from every state (transport loss, fatal error) and is handled separately.
var legalNext = map[State][]State{
	StateIdle:         {StateCapabilities},
	StateCapabilities: {StateStarting},
	StateStarting:     {StateListening},
	StateListening:    {StateProcessing, StateEnding},
	StateProcessing:   {StateSpeaking, StateListening, StateEnding},
	StateSpeaking:     {StateListening, StateProcessing, StateEnding},
	StateEnding:       {},
	StateClosed:       {},
}

// StateMachine tracks the lifecycle of one session side. Safe for concurrent
// use: the supervisor transitions it, audio-path tasks read it.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

// NewStateMachine returns a machine in [StateIdle].
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to next, validating legality. A transition to
// [StateClosed] is always legal. Transition to the current state is a no-op.
func (m *StateMachine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next == m.state {
		return nil
	}
	if next == StateClosed {
		m.state = StateClosed
		return nil
	}
	for _, s := range legalNext[m.state] {
		if s == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrBadTransition, m.state, next)
}

// TransitionIf moves to next only when the machine is currently in from.
// Returns true when the move happened. Used for races like barge-in versus
// response completion, where losing the race means the event is stale.
func (m *StateMachine) TransitionIf(from, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	if next != StateClosed {
		legal := false
		for _, s := range legalNext[m.state] {
			if s == next {
				legal = true
				break
			}
		}
		if !legal {
			return false
		}
	}
	m.state = next
	return true
}
