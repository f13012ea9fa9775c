package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

type ManagerOptions struct {
	// MinInterruptWords is how many words a final transcript needs to cut
	// off agent playback. Shorter finals while speaking are treated as
	// backchannel noise ("yeah", "ok") and ignored.
	MinInterruptWords int
}

type manager struct {
	mu                sync.RWMutex
	sm                *stateMachine
	strategy          Strategy
	emit              InterruptEmitter
	lastChange        time.Time
	minInterruptWords int
}

func NewManager(strategy Strategy, emitter InterruptEmitter) Manager {
	return NewManagerWithOptions(strategy, emitter, ManagerOptions{})
}

func NewManagerWithOptions(strategy Strategy, emitter InterruptEmitter, opts ManagerOptions) Manager {
	minWords := opts.MinInterruptWords
	if minWords <= 0 {
		minWords = 2
	}
	return &manager{
		sm:                newStateMachine(),
		strategy:          strategy,
		emit:              emitter,
		lastChange:        time.Now(),
		minInterruptWords: minWords,
	}
}

func (m *manager) State() State {
	return m.sm.State()
}

func (m *manager) setState(s State, reason string) {
	m.mu.Lock()
	m.lastChange = time.Now()
	m.mu.Unlock()
	_ = m.sm.Transition(s, reason)
}

func (m *manager) OnCallStart() {
	m.setState(StateListening, "call started")
}

// OnSpeechStarted handles a VAD onset from the recognizer. While the agent is
// speaking this is a barge-in: emit the interruption and fall back to
// listening.
func (m *manager) OnSpeechStarted() {
	state := m.sm.State()
	if state == StateSpeaking || state == StateSynthesizing {
		if m.strategy == nil || m.strategy.BargeInEnabled() {
			m.emitInterrupt("speech_started")
			m.setState(StateListening, "barge-in detected")
			return
		}
	}
	if state == StateListening {
		m.setState(StateRecognizing, "caller speaking")
	}
}

// OnFinalTranscript reports whether the transcript should open a new turn.
// While the agent is speaking, finals below the word threshold are ignored.
func (m *manager) OnFinalTranscript(text string) bool {
	words := len(strings.Fields(text))
	if words == 0 {
		return false
	}
	state := m.sm.State()
	if state == StateSpeaking || state == StateSynthesizing {
		if m.strategy != nil && !m.strategy.BargeInEnabled() {
			return false
		}
		if words < m.minInterruptWords {
			return false
		}
		m.emitInterrupt("final_transcript")
		m.setState(StateListening, "barge-in via transcript")
	}
	return true
}

func (m *manager) OnGenerationStart() {
	if m.sm.State() == StateListening || m.sm.State() == StateIdle {
		m.setState(StateGenerating, "generation started")
		return
	}
	if m.sm.State() == StateRecognizing {
		m.setState(StateGenerating, "generation started")
	}
}

func (m *manager) OnSynthesisStart() {
	if m.sm.State() == StateGenerating {
		m.setState(StateSynthesizing, "synthesis started")
	}
}

func (m *manager) OnPlaybackStart() {
	if m.sm.State() == StateSynthesizing {
		m.setState(StateSpeaking, "playback started")
	}
}

// OnPlaybackComplete notifies the state machine that playback finished.
func (m *manager) OnPlaybackComplete() {
	m.sm.OnAudioComplete()
}

func (m *manager) OnCallEnd() {
	m.setState(StateEnded, "call ended")
}

// AddListener registers a listener for state change events.
func (m *manager) AddListener(listener StateListener) {
	m.sm.AddListener(listener)
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }

func (m *manager) emitInterrupt(reason string) {
	m.mu.RLock()
	emit := m.emit
	m.mu.RUnlock()
	if emit == nil {
		return
	}
	meta := map[string]string{
		frames.MetaSource: "turn",
		frames.MetaReason: reason,
	}
	_ = emit.Emit(frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlStartInterruption, meta))
}
