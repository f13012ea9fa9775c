package playback

import (
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/turn"
)

func outboundAudio(streamID string) frames.AudioFrame {
	meta := map[string]string{
		frames.MetaStreamID:   streamID,
		frames.MetaSource:     "tts",
		frames.MetaSequenceID: "1",
	}
	return frames.NewAudioFrame(streamID, time.Now().UnixNano(), []byte{0xff, 0xff}, 8000, 1, meta)
}

func ackFor(streamID, markID string) frames.ControlFrame {
	return frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlMarkAck, map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaMarkID:   markID,
	})
}

func postMarkID(t *testing.T, out []frames.Frame) string {
	t.Helper()
	for _, f := range out {
		cf, ok := f.(frames.ControlFrame)
		if ok && cf.Code() == frames.ControlMark && cf.Meta()[frames.MetaMarkKind] == frames.MarkKindPost {
			return cf.Meta()[frames.MetaMarkID]
		}
	}
	t.Fatal("no post mark in output")
	return ""
}

func TestTrackerBracketsAudioWithMarks(t *testing.T) {
	tr := NewTracker()
	out, err := tr.Process(outboundAudio("s1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected pre/audio/post, got %d frames", len(out))
	}
	pre := out[0].(frames.ControlFrame)
	post := out[2].(frames.ControlFrame)
	if pre.Meta()[frames.MetaMarkKind] != frames.MarkKindPre || post.Meta()[frames.MetaMarkKind] != frames.MarkKindPost {
		t.Fatalf("mark kinds wrong: %v / %v", pre.Meta(), post.Meta())
	}
	if pre.Meta()[frames.MetaMarkID] == post.Meta()[frames.MetaMarkID] {
		t.Fatal("pre and post marks must have distinct ids")
	}
	if _, ok := out[1].(frames.AudioFrame); !ok {
		t.Fatalf("middle frame must be the audio, got %#v", out[1])
	}
}

func TestTrackerFinalAckFinishesPlayback(t *testing.T) {
	tr := NewTracker()
	first, _ := tr.Process(outboundAudio("s1"))
	second, _ := tr.Process(outboundAudio("s1"))
	id1 := postMarkID(t, first)
	id2 := postMarkID(t, second)

	out, _ := tr.Process(ackFor("s1", id1))
	if len(out) != 0 {
		t.Fatalf("first ack must not finish playback, got %d frames", len(out))
	}
	out, _ = tr.Process(ackFor("s1", id2))
	if len(out) != 1 {
		t.Fatalf("expected playback_finished, got %d frames", len(out))
	}
	sf, ok := out[0].(frames.SystemFrame)
	if !ok || sf.Name() != "playback_finished" {
		t.Fatalf("got %#v", out[0])
	}
}

func TestTrackerUnknownAckIsNoOp(t *testing.T) {
	tr := NewTracker()
	_, _ = tr.Process(outboundAudio("s1"))
	out, err := tr.Process(ackFor("s1", "never-sent"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("unknown ack must be swallowed, got %d frames", len(out))
	}
}

func TestTrackerInterruptionClearsOnce(t *testing.T) {
	tr := NewTracker()
	first, _ := tr.Process(outboundAudio("s1"))
	_, _ = tr.Process(outboundAudio("s1"))

	interrupt := frames.NewControlFrame("s1", time.Now().UnixNano(), frames.ControlStartInterruption, map[string]string{
		frames.MetaStreamID: "s1",
	})
	out, _ := tr.Process(interrupt)
	clears := 0
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlClear {
			clears++
		}
	}
	if clears != 1 {
		t.Fatalf("expected exactly one clear, got %d", clears)
	}

	// Second interruption with nothing pending sends no clear.
	out, _ = tr.Process(interrupt)
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlClear {
			t.Fatal("clear sent with nothing pending")
		}
	}

	// Acks for the discarded marks are now unknown and stay silent.
	out, _ = tr.Process(ackFor("s1", postMarkID(t, first)))
	if len(out) != 0 {
		t.Fatalf("discarded mark ack must be a no-op, got %d frames", len(out))
	}
}

func TestTrackerDropsAudioFromCancelledTurn(t *testing.T) {
	tr := NewTracker()
	_, _ = tr.Process(outboundAudio("s1"))

	// The interrupting utterance starts turn two; anything still tagged
	// with turn one is provider backlog from the cancelled turn.
	interrupt := frames.NewControlFrame("s1", time.Now().UnixNano(), frames.ControlStartInterruption, map[string]string{
		frames.MetaStreamID:   "s1",
		frames.MetaSequenceID: "2",
	})
	_, _ = tr.Process(interrupt)

	out, err := tr.Process(outboundAudio("s1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("turn-one audio must not reach the caller, got %d frames", len(out))
	}

	currentMeta := map[string]string{
		frames.MetaStreamID:   "s1",
		frames.MetaSource:     "tts",
		frames.MetaSequenceID: "2",
	}
	current := frames.NewAudioFrame("s1", time.Now().UnixNano(), []byte{0xff, 0xff}, 8000, 1, currentMeta)
	out, _ = tr.Process(current)
	if len(out) != 3 {
		t.Fatalf("current turn audio must be bracketed, got %d frames", len(out))
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(frames.Frame) error { return nil }

func TestTrackerDrivesTurnManager(t *testing.T) {
	mgr := turn.NewManager(turn.AggressiveStrategy{}, nopEmitter{})
	mgr.OnCallStart()
	if !mgr.OnFinalTranscript("what time do you open") {
		t.Fatal("transcript rejected while listening")
	}
	mgr.OnGenerationStart()

	tr := NewTracker()
	tr.SetTurnManager(mgr)

	out, _ := tr.Process(outboundAudio("s1"))
	if mgr.State() != turn.StateSpeaking {
		t.Fatalf("expected SPEAKING once audio flows, got %s", mgr.State())
	}
	_, _ = tr.Process(ackFor("s1", postMarkID(t, out)))
	if mgr.State() != turn.StateListening {
		t.Fatalf("expected LISTENING after final ack, got %s", mgr.State())
	}
}
