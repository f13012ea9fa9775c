package convis

import (
	"context"
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/transcript"
	mocktransport "github.com/PsiTechC/Convis-1-sub000/pkg/transports/mock"
)

func callMeta(callSID, streamID string) map[string]string {
	return map[string]string{
		frames.MetaCallSID:  callSID,
		frames.MetaStreamID: streamID,
		frames.MetaTraceID:  "trace-e2e",
	}
}

func TestEngineFullTurnOverMockTransport(t *testing.T) {
	cfg := minimalConfig()
	cfg.Vendors.STT.Settings = map[string]any{"transcript": "what time do you open"}
	cfg.Vendors.LLM.Settings = map[string]any{"response_text": "We open at nine."}
	cfg.LogLevel = "error"

	tr := mocktransport.New()
	transcriptCh := make(chan *transcript.Recorder, 1)
	eng := NewEngine(EngineOptions{
		Config:    cfg,
		Transport: tr,
		OnTranscript: func(rec *transcript.Recorder) {
			transcriptCh <- rec
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	meta := callMeta("CA-e2e", "MZ-e2e")
	tr.Push(frames.NewSystemFrame("MZ-e2e", time.Now().UnixNano(), "call_start", meta))
	tr.Push(frames.NewAudioFrame("MZ-e2e", time.Now().UnixNano(), make([]byte, 160), 8000, 1, meta))

	deadline := time.After(5 * time.Second)
	var gotAudio bool
	for !gotAudio {
		select {
		case f := <-tr.Sent():
			if f.Kind() == frames.KindAudio {
				gotAudio = true
			}
		case <-deadline:
			t.Fatal("no synthesized audio reached the transport")
		}
	}

	tr.Push(frames.NewSystemFrame("MZ-e2e", time.Now().UnixNano(), "call_end", meta))

	select {
	case rec := <-transcriptCh:
		if rec.CallSID() != "CA-e2e" {
			t.Fatalf("call sid = %q", rec.CallSID())
		}
		entries := rec.Entries()
		if len(entries) == 0 {
			t.Fatal("empty transcript")
		}
		var sawUser bool
		for _, e := range entries {
			if e.Role == "user" && e.Text == "what time do you open" {
				sawUser = true
			}
		}
		if !sawUser {
			t.Fatalf("user turn missing from transcript: %+v", entries)
		}
		if rec.Providers().STT != "mock" || rec.Providers().LLM != "mock" {
			t.Fatalf("providers = %+v", rec.Providers())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transcript never delivered after call_end")
	}
}

func TestCallEndFlushReachesTranscript(t *testing.T) {
	cfg := minimalConfig()
	cfg.Vendors.STT.Settings = map[string]any{
		"transcript":       "first utterance",
		"flush_transcript": "one last thing",
		"flush_delay_ms":   150,
	}
	cfg.LogLevel = "error"

	tr := mocktransport.New()
	transcriptCh := make(chan *transcript.Recorder, 1)
	eng := NewEngine(EngineOptions{
		Config:    cfg,
		Transport: tr,
		OnTranscript: func(rec *transcript.Recorder) {
			transcriptCh <- rec
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	meta := callMeta("CA-flush", "MZ-flush")
	tr.Push(frames.NewSystemFrame("MZ-flush", time.Now().UnixNano(), "call_start", meta))
	tr.Push(frames.NewAudioFrame("MZ-flush", time.Now().UnixNano(), make([]byte, 160), 8000, 1, meta))

	deadline := time.After(5 * time.Second)
	for gotAudio := false; !gotAudio; {
		select {
		case f := <-tr.Sent():
			gotAudio = f.Kind() == frames.KindAudio
		case <-deadline:
			t.Fatal("no synthesized audio reached the transport")
		}
	}

	// The caller was still mid-sentence when the transport stopped: a
	// flush precedes the call_end, exactly as the wire handlers send it.
	tr.Push(frames.NewControlFrame("MZ-flush", time.Now().UnixNano(), frames.ControlFlush, meta))
	tr.Push(frames.NewSystemFrame("MZ-flush", time.Now().UnixNano(), "call_end", meta))

	select {
	case rec := <-transcriptCh:
		var sawTrailing bool
		for _, e := range rec.Entries() {
			if e.Role == "user" && e.Text == "one last thing" {
				sawTrailing = true
			}
		}
		if !sawTrailing {
			t.Fatalf("trailing utterance missing from transcript: %+v", rec.Entries())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transcript never delivered after call_end")
	}
}

func TestEngineInjectsGreeting(t *testing.T) {
	cfg := minimalConfig()
	cfg.Greeting = "Hi, thanks for calling."
	cfg.LogLevel = "error"

	tr := mocktransport.New()
	eng := NewEngine(EngineOptions{Config: cfg, Transport: tr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	meta := callMeta("CA-greet", "MZ-greet")
	tr.Push(frames.NewSystemFrame("MZ-greet", time.Now().UnixNano(), "call_start", meta))

	// The greeting is agent-initiated: audio must arrive with no user turn.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-tr.Sent():
			if f.Kind() == frames.KindAudio {
				return
			}
		case <-deadline:
			t.Fatal("greeting audio never reached the transport")
		}
	}
}
