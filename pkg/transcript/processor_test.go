package transcript

import (
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

func userFinal(text string) frames.TextFrame {
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  "true",
	})
}

func assistantChunk(text, seq string, flush bool) frames.TextFrame {
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

func TestRecorderCollectsBothSides(t *testing.T) {
	rec := NewRecorder("CA123")
	p := NewProcessor(rec)

	_, _ = p.Process(userFinal("what are your hours"))
	_, _ = p.Process(assistantChunk("We are open ", "1", false))
	_, _ = p.Process(assistantChunk("nine to five.", "1", true))

	entries := rec.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Role != "user" || entries[0].Text != "what are your hours" {
		t.Fatalf("user entry wrong: %+v", entries[0])
	}
	if entries[1].Role != "assistant" || entries[1].Text != "We are open nine to five." {
		t.Fatalf("assistant entry wrong: %+v", entries[1])
	}
}

func TestRecorderCommitsPartialOnInterruption(t *testing.T) {
	rec := NewRecorder("CA123")
	p := NewProcessor(rec)

	_, _ = p.Process(assistantChunk("Let me explain the full ", "1", false))
	interrupt := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlStartInterruption, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	_, _ = p.Process(interrupt)

	entries := rec.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Role != "assistant" || entries[0].Text != "Let me explain the full" {
		t.Fatalf("partial entry wrong: %+v", entries[0])
	}
}

func TestRecorderInterimIgnored(t *testing.T) {
	rec := NewRecorder("CA123")
	p := NewProcessor(rec)

	interim := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "wha", map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
	})
	_, _ = p.Process(interim)
	if rec.Len() != 0 {
		t.Fatalf("interim must not be recorded, got %d entries", rec.Len())
	}
}

func TestRecorderProviders(t *testing.T) {
	rec := NewRecorder("CA123")
	rec.SetProviders(Providers{STT: "deepgram", TTS: "elevenlabs", LLM: "openai"})
	p := rec.Providers()
	if p.STT != "deepgram" || p.TTS != "elevenlabs" || p.LLM != "openai" {
		t.Fatalf("providers wrong: %+v", p)
	}
}
