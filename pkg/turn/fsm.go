package turn

import (
	"sync"
	"time"
)

// StateChange describes one transition of the turn machine.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// allowedNext maps each state to the states it may move into. StateEnded
// is reachable from everywhere and handled separately; the call can
// drop at any point.
var allowedNext = map[State][]State{
	StateIdle:         {StateListening, StateGenerating},
	StateListening:    {StateRecognizing, StateGenerating},
	StateRecognizing:  {StateGenerating, StateListening},
	StateGenerating:   {StateSynthesizing, StateListening},
	StateSynthesizing: {StateSpeaking, StateListening},
	StateSpeaking:     {StateListening},
}

type stateMachine struct {
	mu           sync.RWMutex
	currentState State

	speakingStartTime  time.Time
	listeningStartTime time.Time

	stateChangeListeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateIdle}
}

func (tm *stateMachine) State() State {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.currentState
}

func transitionValid(from, to State) bool {
	if to == StateEnded {
		return true
	}
	for _, allowed := range allowedNext[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to the new state, rejecting moves the table does not
// allow. Listeners run outside the lock; a listener calling back into
// the machine must not deadlock.
func (tm *stateMachine) Transition(state State, reason string) error {
	tm.mu.Lock()
	if !transitionValid(tm.currentState, state) {
		err := &InvalidTransitionError{From: tm.currentState, To: state}
		tm.mu.Unlock()
		return err
	}

	event := StateChange{
		FromState: tm.currentState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	tm.currentState = state
	switch state {
	case StateListening:
		tm.listeningStartTime = event.Timestamp
	case StateSpeaking:
		tm.speakingStartTime = event.Timestamp
	}
	listeners := make([]StateListener, len(tm.stateChangeListeners))
	copy(listeners, tm.stateChangeListeners)
	tm.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

func (tm *stateMachine) AddListener(listener StateListener) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.stateChangeListeners = append(tm.stateChangeListeners, listener)
}

type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

// OnAudioComplete drops SPEAKING back to LISTENING when playback ends.
// Any other state is left alone.
func (tm *stateMachine) OnAudioComplete() {
	if tm.State() == StateSpeaking {
		_ = tm.Transition(StateListening, "audio playback complete")
	}
}
