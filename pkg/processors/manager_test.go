package processors

import (
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/turn"
)

func sttFinal(text string) frames.TextFrame {
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "true",
	})
}

func startCall(t *testing.T, tp *TurnProcessor) {
	t.Helper()
	_, err := tp.Process(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_start", map[string]string{
		frames.MetaStreamID: "stream-1",
	}))
	if err != nil {
		t.Fatalf("call_start: %v", err)
	}
}

func TestTurnProcessorOpensTurnOnFinal(t *testing.T) {
	tp := NewTurnProcessor(turn.AggressiveStrategy{})
	startCall(t, tp)

	out, err := tp.Process(sttFinal("what time do you open"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	var sawFinal bool
	for _, f := range out {
		if f.Kind() == frames.KindText {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Fatal("final transcript must pass downstream")
	}
	if got := tp.Manager().State(); got != turn.StateGenerating {
		t.Fatalf("state = %v, want generating", got)
	}
}

func TestTurnProcessorSwallowsBackchannelWhileSpeaking(t *testing.T) {
	tp := NewTurnProcessorWithConfig(turn.AggressiveStrategy{}, TurnProcessorConfig{MinInterruptWords: 2})
	startCall(t, tp)
	_, _ = tp.Process(sttFinal("what time do you open"))
	tp.Manager().OnSynthesisStart()
	tp.Manager().OnPlaybackStart()
	if tp.Manager().State() != turn.StateSpeaking {
		t.Fatalf("setup: state = %v", tp.Manager().State())
	}

	out, _ := tp.Process(sttFinal("yeah"))
	for _, f := range out {
		if f.Kind() == frames.KindText {
			t.Fatal("single-word backchannel must not pass while speaking")
		}
	}
	if tp.Manager().State() != turn.StateSpeaking {
		t.Fatal("backchannel must not change state")
	}
}

func TestTurnProcessorBargeInEmitsInterruption(t *testing.T) {
	tp := NewTurnProcessorWithConfig(turn.AggressiveStrategy{}, TurnProcessorConfig{MinInterruptWords: 2})
	startCall(t, tp)
	_, _ = tp.Process(sttFinal("what time do you open"))
	tp.Manager().OnSynthesisStart()
	tp.Manager().OnPlaybackStart()

	out, _ := tp.Process(sttFinal("wait stop talking"))
	var sawInterrupt, sawFinal bool
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlStartInterruption {
			sawInterrupt = true
		}
		if f.Kind() == frames.KindText {
			sawFinal = true
		}
	}
	if !sawInterrupt {
		t.Fatal("barge-in must emit an interruption control frame")
	}
	if !sawFinal {
		t.Fatal("the interrupting utterance must still open the next turn")
	}
	if got := tp.Manager().State(); got != turn.StateGenerating {
		t.Fatalf("state = %v, want generating", got)
	}
}

func TestTurnProcessorPoliteStrategyBlocksBargeIn(t *testing.T) {
	tp := NewTurnProcessorWithConfig(turn.PoliteStrategy{}, TurnProcessorConfig{MinInterruptWords: 2})
	startCall(t, tp)
	_, _ = tp.Process(sttFinal("what time do you open"))
	tp.Manager().OnSynthesisStart()
	tp.Manager().OnPlaybackStart()

	out, _ := tp.Process(sttFinal("wait stop talking"))
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlStartInterruption {
			t.Fatal("polite strategy must not interrupt playback")
		}
	}
	if tp.Manager().State() != turn.StateSpeaking {
		t.Fatal("polite strategy keeps speaking through caller speech")
	}
}
