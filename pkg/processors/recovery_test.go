package processors

import (
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

func llmText(text string) frames.TextFrame {
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "llm",
	})
}

func TestRecoveryReplacesConfusedResponse(t *testing.T) {
	r := NewRecoveryProcessor(RecoveryConfig{})
	out, err := r.Process(llmText("I'm not sure what you mean by that."))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(out))
	}
	tf := out[0].(frames.TextFrame)
	if tf.Text() == "I'm not sure what you mean by that." {
		t.Fatal("confused response should be replaced by the prompt")
	}
	if tf.Meta()[frames.MetaRecoveryReason] != "confusion" {
		t.Fatalf("recovery_reason = %q", tf.Meta()[frames.MetaRecoveryReason])
	}
	if tf.Meta()[frames.MetaTTSFlush] != "true" {
		t.Fatal("prompt must close out the turn for the synthesizer")
	}
}

func TestRecoveryStopsAfterMaxAttempts(t *testing.T) {
	r := NewRecoveryProcessor(RecoveryConfig{MaxAttempts: 1})
	out, _ := r.Process(llmText("could you repeat that?"))
	if len(out) != 1 || out[0].(frames.TextFrame).Text() == "could you repeat that?" {
		t.Fatal("first confusion should be replaced")
	}
	out, _ = r.Process(llmText("could you repeat that?"))
	if len(out) != 1 || out[0].(frames.TextFrame).Text() != "could you repeat that?" {
		t.Fatal("beyond max attempts the response passes through")
	}
}

func TestRecoveryClearResponseResetsCounter(t *testing.T) {
	r := NewRecoveryProcessor(RecoveryConfig{MaxAttempts: 1})
	_, _ = r.Process(llmText("i didn't catch that"))
	_, _ = r.Process(llmText("We are open nine to five."))
	out, _ := r.Process(llmText("i didn't catch that"))
	if out[0].(frames.TextFrame).Meta()[frames.MetaRecoveryReason] != "confusion" {
		t.Fatal("counter should reset after a clear response")
	}
}

func TestRecoverySpeaksPromptOnFallbackControl(t *testing.T) {
	r := NewRecoveryProcessor(RecoveryConfig{PromptText: "Say again?"})
	cf := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlFallback, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	out, _ := r.Process(cf)
	if len(out) != 2 {
		t.Fatalf("expected prompt + control, got %d frames", len(out))
	}
	tf := out[0].(frames.TextFrame)
	if tf.Text() != "Say again?" {
		t.Fatalf("prompt = %q", tf.Text())
	}
	if tf.Meta()[frames.MetaSource] != "llm" {
		t.Fatal("prompt must be tagged as llm text so it gets synthesized")
	}
}
