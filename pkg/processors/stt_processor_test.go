package processors

import (
	"context"
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/stt"
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

// bufferedSTT mimics a recognizer whose forced flush finishes an async
// round trip: the final transcript lands on the channel after a delay.
type bufferedSTT struct {
	out     chan frames.Frame
	pending string
	delay   time.Duration
}

func (m *bufferedSTT) Name() string                  { return "buffered_fake" }
func (m *bufferedSTT) Start(ctx context.Context) error { return nil }
func (m *bufferedSTT) Close() error                  { return nil }
func (m *bufferedSTT) SendAudio(frames.AudioFrame) error { return nil }
func (m *bufferedSTT) Results() <-chan frames.Frame  { return m.out }

func (m *bufferedSTT) FlushUtterance() bool {
	if m.pending == "" {
		return false
	}
	text := m.pending
	m.pending = ""
	go func() {
		time.Sleep(m.delay)
		m.out <- frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, map[string]string{
			frames.MetaStreamID: "stream-1",
			frames.MetaSource:   "stt",
			frames.MetaIsFinal:  "true",
		})
	}()
	return true
}

func sttAudioFrame() frames.AudioFrame {
	return frames.NewAudioFrame("stream-1", time.Now().UnixNano(), make([]byte, 160), 8000, 1, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaCallSID:  "CA-1",
	})
}

func sttFlushFrame() frames.ControlFrame {
	return frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlFlush, map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaReason:   "call_end",
	})
}

func TestForcedFlushWaitsForTrailingTranscript(t *testing.T) {
	mock := &bufferedSTT{out: make(chan frames.Frame, 4), pending: "one last thing", delay: 50 * time.Millisecond}
	proc := NewSTTProcessor(func(callSID, streamID string) stt.StreamingSTT { return mock })

	if _, err := proc.Process(sttAudioFrame()); err != nil {
		t.Fatalf("process audio: %v", err)
	}
	out, err := proc.Process(sttFlushFrame())
	if err != nil {
		t.Fatalf("process flush: %v", err)
	}
	var sawTrailing bool
	for _, f := range out {
		if tf, ok := f.(frames.TextFrame); ok && tf.Text() == "one last thing" {
			sawTrailing = true
		}
	}
	if !sawTrailing {
		t.Fatalf("trailing transcript must ride out behind the flush, got %v", out)
	}
}

func TestForcedFlushWithoutSpeechDoesNotBlock(t *testing.T) {
	mock := &bufferedSTT{out: make(chan frames.Frame, 4)}
	proc := NewSTTProcessor(func(callSID, streamID string) stt.StreamingSTT { return mock })

	if _, err := proc.Process(sttAudioFrame()); err != nil {
		t.Fatalf("process audio: %v", err)
	}
	start := time.Now()
	if _, err := proc.Process(sttFlushFrame()); err != nil {
		t.Fatalf("process flush: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("flush with nothing buffered must return immediately")
	}
}
