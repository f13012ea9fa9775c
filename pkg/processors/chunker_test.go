package processors

import (
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

func chunkerTextFrame(text, seq string, flush bool) frames.TextFrame {
	meta := map[string]string{
		frames.MetaStreamID:   "stream-1",
		frames.MetaSource:     "llm",
		frames.MetaSequenceID: seq,
	}
	if flush {
		meta[frames.MetaTTSFlush] = "true"
	}
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, meta)
}

func TestChunkerEmitsFirstClauseEarly(t *testing.T) {
	c := NewSentenceChunker()
	out, err := c.Process(chunkerTextFrame("Thanks for calling, ", "1", false))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 clause frame, got %d", len(out))
	}
	tf := out[0].(frames.TextFrame)
	if tf.Text() != "Thanks for calling," {
		t.Fatalf("clause = %q", tf.Text())
	}
	if tf.Meta()[frames.MetaTTSFlush] == "true" {
		t.Fatalf("mid-turn clause must not carry the flush flag")
	}
}

func TestChunkerHoldsShortFragments(t *testing.T) {
	c := NewSentenceChunker()
	out, _ := c.Process(chunkerTextFrame("Hi, ", "1", false))
	if len(out) != 0 {
		t.Fatalf("short fragment should be held, got %d frames", len(out))
	}
	out, _ = c.Process(chunkerTextFrame("how can I help you today? ", "1", false))
	if len(out) != 1 {
		t.Fatalf("expected joined clause, got %d frames", len(out))
	}
	if got := out[0].(frames.TextFrame).Text(); got != "Hi, how can I help you today?" {
		t.Fatalf("clause = %q", got)
	}
}

func TestChunkerFlushReleasesRemainder(t *testing.T) {
	c := NewSentenceChunker()
	_, _ = c.Process(chunkerTextFrame("One moment please", "1", false))
	out, _ := c.Process(chunkerTextFrame("", "1", true))
	if len(out) != 1 {
		t.Fatalf("expected remainder frame, got %d", len(out))
	}
	tf := out[0].(frames.TextFrame)
	if tf.Text() != "One moment please" || tf.Meta()[frames.MetaTTSFlush] != "true" {
		t.Fatalf("remainder = %q meta %v", tf.Text(), tf.Meta())
	}
}

func TestChunkerNewSequenceDropsStaleBuffer(t *testing.T) {
	c := NewSentenceChunker()
	_, _ = c.Process(chunkerTextFrame("stale partial reply", "1", false))
	out, _ := c.Process(chunkerTextFrame("Sure. ", "2", true))
	if len(out) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(out))
	}
	if got := out[0].(frames.TextFrame).Text(); got != "Sure." {
		t.Fatalf("stale text leaked into new turn: %q", got)
	}
}

func TestChunkerDecimalNotSplit(t *testing.T) {
	c := NewSentenceChunker()
	out, _ := c.Process(chunkerTextFrame("The total is 12.50 dollars", "1", false))
	if len(out) != 0 {
		t.Fatalf("decimal point must not end a clause, got %d frames", len(out))
	}
}

func TestChunkerInterruptionDiscardsPending(t *testing.T) {
	c := NewSentenceChunker()
	_, _ = c.Process(chunkerTextFrame("half a sentence", "1", false))
	ctrl := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlStartInterruption,
		map[string]string{frames.MetaStreamID: "stream-1"})
	if _, err := c.Process(ctrl); err != nil {
		t.Fatalf("process control: %v", err)
	}
	out, _ := c.Process(chunkerTextFrame("", "1", true))
	if len(out) != 1 || out[0].(frames.TextFrame).Text() != "" {
		t.Fatalf("buffer should be empty after interruption, got %#v", out)
	}
}
