package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

type upperProc struct{}

func (upperProc) Name() string { return "upper" }

func (upperProc) Process(f frames.Frame) ([]frames.Frame, error) {
	tf, ok := f.(frames.TextFrame)
	if !ok {
		return []frames.Frame{f}, nil
	}
	return []frames.Frame{frames.NewTextFrame(
		tf.Meta()[frames.MetaStreamID], tf.PTS(), tf.Text()+"!", tf.Meta(),
	)}, nil
}

type dropAudioProc struct{}

func (dropAudioProc) Name() string { return "drop_audio" }

func (dropAudioProc) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindAudio {
		return nil, nil
	}
	return []frames.Frame{f}, nil
}

type frameCollector struct {
	mu  sync.Mutex
	got []frames.Frame
}

func (c *frameCollector) sink(f frames.Frame) {
	c.mu.Lock()
	c.got = append(c.got, f)
	c.mu.Unlock()
}

func (c *frameCollector) wait(t *testing.T, n int) []frames.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		count := len(c.got)
		c.mu.Unlock()
		if count >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) < n {
		t.Fatalf("expected %d frames, got %d", n, len(c.got))
	}
	return append([]frames.Frame(nil), c.got...)
}

func newTestOrchestrator(async bool, procs ...FrameProcessor) (Orchestrator, *frameCollector) {
	o := New(Config{
		Async:        async,
		StageBuffer:  8,
		HighCapacity: 16,
		LowCapacity:  16,
	})
	for _, p := range procs {
		_ = o.AddProcessor(p)
	}
	c := &frameCollector{}
	o.SetSink(c.sink)
	return o, c
}

func textIn(text string) frames.TextFrame {
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
}

func TestSyncModeRunsChainInOrder(t *testing.T) {
	o, c := newTestOrchestrator(false, upperProc{}, upperProc{})
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	o.In() <- textIn("hi")
	got := c.wait(t, 1)
	if tf := got[0].(frames.TextFrame); tf.Text() != "hi!!" {
		t.Fatalf("both stages must run, got %q", tf.Text())
	}
}

func TestAsyncModeDeliversThroughStages(t *testing.T) {
	o, c := newTestOrchestrator(true, upperProc{})
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	o.In() <- textIn("a")
	o.In() <- textIn("b")
	got := c.wait(t, 2)
	for _, f := range got {
		if f.Kind() != frames.KindText {
			t.Fatalf("unexpected kind %s", f.Kind())
		}
	}
}

func TestProcessorCanSwallowFrames(t *testing.T) {
	o, c := newTestOrchestrator(false, dropAudioProc{})
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	o.In() <- frames.NewAudioFrame("stream-1", time.Now().UnixNano(), make([]byte, 160), 8000, 1, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	o.In() <- textIn("kept")
	got := c.wait(t, 1)
	if tf := got[0].(frames.TextFrame); tf.Text() != "kept" {
		t.Fatalf("audio should be swallowed, text kept; got %v", got)
	}
}

func TestStaleAudioDiscarded(t *testing.T) {
	o, c := newTestOrchestrator(false)
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	old := time.Now().Add(-2 * staleAudioLag).UnixNano()
	o.In() <- frames.NewAudioFrame("stream-1", old, make([]byte, 160), 8000, 1, map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	o.In() <- textIn("fresh")
	got := c.wait(t, 1)
	if got[0].Kind() != frames.KindText {
		t.Fatalf("stale audio must not reach the sink, got %s", got[0].Kind())
	}
}

func TestStopDrainsAlreadyQueuedFrames(t *testing.T) {
	o, c := newTestOrchestrator(false, upperProc{})
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A call_end style teardown: frames go in and Stop follows at once.
	for _, text := range []string{"a", "b", "c"} {
		o.In() <- textIn(text)
	}
	if err := o.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) != 3 {
		t.Fatalf("queued frames must drain before teardown, got %d of 3", len(c.got))
	}
}

func TestStopUnblocksConsumer(t *testing.T) {
	o, _ := newTestOrchestrator(false)
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = o.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
}
