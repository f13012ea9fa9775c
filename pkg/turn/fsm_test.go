package turn

import (
	"sync"
	"testing"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

type captureEmitter struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *captureEmitter) Emit(frame frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureEmitter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func driveToSpeaking(t *testing.T, m Manager) {
	t.Helper()
	m.OnCallStart()
	if !m.OnFinalTranscript("what are your hours") {
		t.Fatal("final transcript rejected while listening")
	}
	m.OnGenerationStart()
	m.OnSynthesisStart()
	m.OnPlaybackStart()
	if m.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", m.State())
	}
}

func TestTurnCycle(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(AggressiveStrategy{}, emitter)
	driveToSpeaking(t, m)
	m.OnPlaybackComplete()
	if m.State() != StateListening {
		t.Fatalf("expected LISTENING after playback, got %s", m.State())
	}
	if emitter.Count() != 0 {
		t.Fatalf("no interruption expected in a clean cycle, got %d", emitter.Count())
	}
}

func TestSpeechStartedWhileSpeakingInterrupts(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(AggressiveStrategy{}, emitter)
	driveToSpeaking(t, m)

	m.OnSpeechStarted()
	if emitter.Count() != 1 {
		t.Fatalf("expected one interruption, got %d", emitter.Count())
	}
	cf := emitter.frames[0].(frames.ControlFrame)
	if cf.Code() != frames.ControlStartInterruption {
		t.Fatalf("wrong control code %v", cf.Code())
	}
	if m.State() != StateListening {
		t.Fatalf("expected LISTENING after barge-in, got %s", m.State())
	}
}

func TestSingleWordFinalIgnoredWhileSpeaking(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(AggressiveStrategy{}, emitter)
	driveToSpeaking(t, m)

	if m.OnFinalTranscript("yeah") {
		t.Fatal("single-word final must not interrupt playback")
	}
	if m.State() != StateSpeaking {
		t.Fatalf("state changed on backchannel: %s", m.State())
	}
	if emitter.Count() != 0 {
		t.Fatalf("no interruption expected, got %d", emitter.Count())
	}

	if !m.OnFinalTranscript("stop please") {
		t.Fatal("two-word final should interrupt playback")
	}
	if m.State() != StateListening {
		t.Fatalf("expected LISTENING, got %s", m.State())
	}
	if emitter.Count() != 1 {
		t.Fatalf("expected one interruption, got %d", emitter.Count())
	}
}

func TestPoliteStrategyNeverBargesIn(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(PoliteStrategy{}, emitter)
	driveToSpeaking(t, m)

	m.OnSpeechStarted()
	if m.OnFinalTranscript("please stop talking now") {
		t.Fatal("polite strategy must not accept interrupting finals")
	}
	if emitter.Count() != 0 {
		t.Fatalf("polite strategy emitted %d interruptions", emitter.Count())
	}
	if m.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", m.State())
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	sm := newStateMachine()
	if err := sm.Transition(StateSpeaking, "skip ahead"); err == nil {
		t.Fatal("IDLE -> SPEAKING must be rejected")
	}
	if sm.State() != StateIdle {
		t.Fatalf("state moved on invalid transition: %s", sm.State())
	}
}

func TestCallEndFromAnyState(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManager(AggressiveStrategy{}, emitter)
	driveToSpeaking(t, m)
	m.OnCallEnd()
	if m.State() != StateEnded {
		t.Fatalf("expected ENDED, got %s", m.State())
	}
}

func TestCustomInterruptWordThreshold(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewManagerWithOptions(AggressiveStrategy{}, emitter, ManagerOptions{MinInterruptWords: 3})
	driveToSpeaking(t, m)

	if m.OnFinalTranscript("stop that") {
		t.Fatal("two words below a threshold of three must be ignored")
	}
	if !m.OnFinalTranscript("stop talking right now") {
		t.Fatal("four words should interrupt")
	}
}
