package openaitts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/audio"
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

func newTestTTS(t *testing.T, handler http.HandlerFunc) (*OneShotTTS, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	s := New(Config{APIKey: "test", BaseURL: srv.URL, StreamID: "s1"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, srv
}

func wavHandler(calls *int64, lastInput *atomic.Value) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		var req struct {
			Input string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		lastInput.Store(req.Input)
		// One second of silence at 24 kHz.
		_, _ = w.Write(audio.WrapPCMInWAV(make([]byte, 24000*2), 24000))
	}
}

func collectAudio(t *testing.T, s *OneShotTTS) [][]byte {
	t.Helper()
	var chunks [][]byte
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.Results():
			if af, ok := f.(frames.AudioFrame); ok {
				chunks = append(chunks, af.Data())
			}
		case <-deadline:
			return chunks
		case <-time.After(200 * time.Millisecond):
			if len(chunks) > 0 {
				return chunks
			}
		}
	}
}

func TestFlushSynthesizesAccumulatedTurn(t *testing.T) {
	var calls int64
	var lastInput atomic.Value
	s, srv := newTestTTS(t, wavHandler(&calls, &lastInput))
	defer srv.Close()
	defer s.Close()

	_ = s.SendText("Hello there.")
	_ = s.SendText("How can I help?")
	if got := atomic.LoadInt64(&calls); got != 0 {
		t.Fatalf("no request expected before flush, got %d", got)
	}
	_ = s.SendTextWithOptions("", true)

	chunks := collectAudio(t, s)
	if len(chunks) == 0 {
		t.Fatal("no audio emitted")
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if got := lastInput.Load().(string); got != "Hello there. How can I help?" {
		t.Fatalf("input = %q", got)
	}

	// 24 kHz WAV resampled to 8 kHz and mu-law encoded: one second becomes
	// 8000 wire bytes in 160-byte frames.
	total := 0
	for i, c := range chunks {
		if i < len(chunks)-1 && len(c) != wireChunkBytes {
			t.Fatalf("chunk %d size %d", i, len(c))
		}
		total += len(c)
	}
	if total != 8000 {
		t.Fatalf("total wire bytes = %d, want 8000", total)
	}
}

func TestInterruptFlushDropsPendingText(t *testing.T) {
	var calls int64
	var lastInput atomic.Value
	s, srv := newTestTTS(t, wavHandler(&calls, &lastInput))
	defer srv.Close()
	defer s.Close()

	_ = s.SendText("this should never be spoken")
	s.Flush()
	_ = s.SendTextWithOptions("", true)
	time.Sleep(200 * time.Millisecond)
	if atomic.LoadInt64(&calls) != 0 {
		t.Fatalf("dropped text must not be synthesized, calls = %d", calls)
	}
}

func TestSynthesisFailureEmitsNothing(t *testing.T) {
	s, srv := newTestTTS(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()
	defer s.Close()

	_ = s.SendTextWithOptions("hello", true)
	time.Sleep(300 * time.Millisecond)
	select {
	case f := <-s.Results():
		t.Fatalf("unexpected frame after failure: %#v", f)
	default:
	}
}
