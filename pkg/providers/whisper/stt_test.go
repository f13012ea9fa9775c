package whisper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

// chunkMs of loud or silent PCM at the given rate.
func tone(ms, rate int, amplitude float64) []byte {
	n := rate * ms / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(rate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func silence(ms, rate int) []byte {
	return make([]byte, rate*ms/1000*2)
}

func newTestSTT(t *testing.T, handler http.HandlerFunc) (*BufferedSTT, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	s := New(Config{
		APIKey:          "test",
		BaseURL:         srv.URL,
		SampleRate:      16000,
		StreamID:        "s1",
		EnergyThreshold: 300,
		SilenceMs:       600,
		MinSpeechMs:     500,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, srv
}

func transcriptHandler(calls *int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "book a meeting"})
	}
}

func feed(s *BufferedSTT, chunks ...[]byte) {
	pts := int64(0)
	for _, c := range chunks {
		pts++
		_ = s.SendAudio(frames.NewAudioFrame("s1", pts, c, 16000, 1, nil))
	}
}

func collect(t *testing.T, s *BufferedSTT, wantText bool) []frames.Frame {
	t.Helper()
	var got []frames.Frame
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.Results():
			got = append(got, f)
			if tf, ok := f.(frames.TextFrame); ok && wantText && tf.Text() != "" {
				return got
			}
		case <-deadline:
			return got
		case <-time.After(100 * time.Millisecond):
			if !wantText {
				return got
			}
		}
	}
}

func TestFlushAfterSpeechThenSilence(t *testing.T) {
	var calls int64
	s, srv := newTestSTT(t, transcriptHandler(&calls))
	defer srv.Close()
	defer s.Close()

	feed(s, tone(400, 16000, 8000), tone(400, 16000, 8000), silence(700, 16000))
	got := collect(t, s, true)

	var finals int
	for _, f := range got {
		if tf, ok := f.(frames.TextFrame); ok {
			if tf.Meta()[frames.MetaIsFinal] != "true" {
				t.Fatal("buffered recognizer must only emit finals")
			}
			if tf.Text() != "book a meeting" {
				t.Fatalf("text = %q", tf.Text())
			}
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("finals = %d, want exactly 1", finals)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("transcription calls = %d", calls)
	}
}

func TestShortBurstDiscardedAsNoise(t *testing.T) {
	var calls int64
	s, srv := newTestSTT(t, transcriptHandler(&calls))
	defer srv.Close()
	defer s.Close()

	// 200 ms of speech is under the 500 ms minimum.
	feed(s, tone(200, 16000, 8000), silence(700, 16000))
	got := collect(t, s, false)

	for _, f := range got {
		if _, ok := f.(frames.TextFrame); ok {
			t.Fatal("noise burst must not produce a transcript")
		}
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Fatalf("transcription calls = %d, want 0", calls)
	}
}

func TestNoFlushWithoutSilence(t *testing.T) {
	var calls int64
	s, srv := newTestSTT(t, transcriptHandler(&calls))
	defer srv.Close()
	defer s.Close()

	feed(s, tone(400, 16000, 8000), tone(400, 16000, 8000), tone(400, 16000, 8000))
	_ = collect(t, s, false)

	if atomic.LoadInt64(&calls) != 0 {
		t.Fatalf("flush fired without endpointing silence, calls = %d", calls)
	}
}

func TestSpeechStartEmitsInterruption(t *testing.T) {
	var calls int64
	s, srv := newTestSTT(t, transcriptHandler(&calls))
	defer srv.Close()
	defer s.Close()

	feed(s, tone(100, 16000, 8000))
	select {
	case f := <-s.Results():
		cf, ok := f.(frames.ControlFrame)
		if !ok || cf.Code() != frames.ControlStartInterruption {
			t.Fatalf("expected start_interruption, got %#v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("no interruption control frame")
	}
}

func TestForcedFlushOnCallEnd(t *testing.T) {
	var calls int64
	s, srv := newTestSTT(t, transcriptHandler(&calls))
	defer srv.Close()
	defer s.Close()

	feed(s, tone(600, 16000, 8000))
	if !s.FlushUtterance() {
		t.Fatal("flush with speech buffered must report work started")
	}
	got := collect(t, s, true)

	var sawFinal bool
	for _, f := range got {
		if _, ok := f.(frames.TextFrame); ok {
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Fatal("forced flush must transcribe the pending buffer")
	}
}

func TestForcedFlushWhileIdleReportsNothing(t *testing.T) {
	var calls int64
	s, srv := newTestSTT(t, transcriptHandler(&calls))
	defer srv.Close()
	defer s.Close()

	if s.FlushUtterance() {
		t.Fatal("flush with nothing buffered must not report work")
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Fatalf("transcription calls = %d, want 0", calls)
	}
}

func TestRecognitionFailureIsSuppressed(t *testing.T) {
	s, srv := newTestSTT(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	defer srv.Close()
	defer s.Close()

	feed(s, tone(600, 16000, 8000), silence(700, 16000))
	got := collect(t, s, false)
	for _, f := range got {
		if _, ok := f.(frames.TextFrame); ok {
			t.Fatal("failed transcription must not emit text")
		}
	}
}
