package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/metrics"
	"github.com/PsiTechC/Convis-1-sub000/pkg/priority"
)

// staleAudioLag is how far behind real time an audio frame may be
// before it is dropped instead of processed. Playing audio older than
// this would land after the conversational moment has passed.
const staleAudioLag = 500 * time.Millisecond

// orchestrator moves frames from the transport through the processor
// chain. Control frames ride the priority queue's fast lane so barge-in
// handling is never stuck behind buffered media. Sync mode runs the
// whole chain on one goroutine per frame; async mode gives each
// processor its own stage goroutine with bounded channels between.
type orchestrator struct {
	in      chan frames.Frame
	out     chan frames.Frame
	pq      *priority.PriorityQueue
	procs   []FrameProcessor
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	stageCh []chan frames.Frame
	sink    func(frames.Frame)
	obs     metrics.Observer
}

func New(cfg Config) Orchestrator {
	o := &orchestrator{
		in:  make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		out: make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		cfg: cfg,
	}
	o.pq = priority.New(cfg.HighCapacity, cfg.LowCapacity, cfg.FairnessRatio)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

func NewWithPipelineConfig(pc PipelineConfig) Orchestrator {
	orch := New(pc.Config)
	logPipeline(pc.Processors)
	for _, p := range pc.Processors {
		_ = orch.AddProcessor(p)
	}
	return orch
}

func (o *orchestrator) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
}

func (o *orchestrator) In() chan frames.Frame            { return o.in }
func (o *orchestrator) Out() chan frames.Frame           { return o.out }
func (o *orchestrator) SetSink(sink func(frames.Frame))  { o.sink = sink }
func (o *orchestrator) SetObserver(obs metrics.Observer) { o.obs = obs }

func (o *orchestrator) AddProcessor(p FrameProcessor) error {
	o.procs = append(o.procs, p)
	return nil
}

func (o *orchestrator) Start() error {
	go o.feed()
	if o.cfg.Async {
		return o.startAsync()
	}
	return o.startSync()
}

// Stop lets frames already accepted finish the chain before tearing
// down, so a flush or call_end enqueued just ahead of teardown is still
// processed. The wait is bounded.
func (o *orchestrator) Stop() error {
	o.awaitDrained(drainWait)
	o.cancel()
	o.pq.Close()
	// allow goroutines to exit and drain
	time.Sleep(5 * time.Millisecond)
	close(o.out)
	return nil
}

const drainWait = 2 * time.Second

func (o *orchestrator) awaitDrained(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if o.ctx.Err() != nil {
			return
		}
		if o.queuedFrames() == 0 {
			// settle so the frame handed to a processor finishes its tick
			time.Sleep(10 * time.Millisecond)
			if o.queuedFrames() == 0 {
				return
			}
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// queuedFrames counts work not yet through the chain: the inbound
// channel, both queue lanes, and any async stage buffers.
func (o *orchestrator) queuedFrames() int {
	s := o.pq.Stats()
	n := len(o.in) + int(s.HighPush-s.HighPop) + int(s.LowPush-s.LowPop)
	for _, ch := range o.stageCh {
		n += len(ch)
	}
	return n
}

// feed routes inbound frames into the two priority lanes. A full lane
// drops rather than blocking the transport's read loop.
func (o *orchestrator) feed() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-o.in:
			var queued bool
			if f.Kind() == frames.KindControl {
				queued = o.pq.TryPushHigh(f)
			} else {
				queued = o.pq.TryPushLow(f)
			}
			if !queued {
				frames.ReleaseAudioFrame(f)
				o.recordDrop(f)
			}
			o.recordIn(f)
		}
	}
}

// startSync runs every processor inline for each dequeued frame.
func (o *orchestrator) startSync() error {
	go func() {
		for {
			f, ok := o.nextFrame()
			if !ok {
				return
			}
			out := []frames.Frame{f}
			for _, p := range o.procs {
				var next []frames.Frame
				for _, cur := range out {
					start := time.Now()
					r, err := p.Process(cur)
					if err != nil || r == nil {
						frames.ReleaseAudioFrame(cur)
						continue
					}
					o.recordStage(p.Name(), cur, start)
					next = append(next, r...)
				}
				out = next
				if out == nil {
					break
				}
			}
			for _, e := range out {
				o.recordOut(e)
				o.emit(e)
			}
		}
	}()
	return nil
}

// startAsync chains one goroutine per processor with bounded channels,
// then bridges queue -> stage0 and final stage -> out.
func (o *orchestrator) startAsync() error {
	o.stageCh = make([]chan frames.Frame, len(o.procs)+1)
	for i := range o.stageCh {
		o.stageCh[i] = make(chan frames.Frame, o.cfg.StageBuffer)
	}
	for i, p := range o.procs {
		go o.runStage(p, o.stageCh[i], o.stageCh[i+1])
	}
	go func() {
		for {
			f, ok := o.nextFrame()
			if !ok {
				return
			}
			o.push(o.stageCh[0], f)
		}
	}()
	go func() {
		final := o.stageCh[len(o.stageCh)-1]
		for {
			select {
			case <-o.ctx.Done():
				return
			case e := <-final:
				o.recordOut(e)
				o.emit(e)
			}
		}
	}()
	return nil
}

func (o *orchestrator) runStage(proc FrameProcessor, in, out chan frames.Frame) {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-in:
			start := time.Now()
			r, err := proc.Process(f)
			if err != nil || r == nil {
				frames.ReleaseAudioFrame(f)
				continue
			}
			o.recordStage(proc.Name(), f, start)
			for _, e := range r {
				o.push(out, e)
			}
		}
	}
}

// nextFrame pops the queue, discarding audio that has already gone
// stale. Returns false when the orchestrator is stopping.
func (o *orchestrator) nextFrame() (frames.Frame, bool) {
	for {
		if o.ctx.Err() != nil {
			return nil, false
		}
		fAny, ok := o.pq.Pop()
		if !ok {
			return nil, false
		}
		f := fAny.(frames.Frame)
		if tooOld(f, staleAudioLag) {
			frames.ReleaseAudioFrame(f)
			o.recordDrop(f)
			continue
		}
		return f, true
	}
}

func (o *orchestrator) emit(f frames.Frame) {
	if o.sink != nil {
		o.sink(f)
		frames.ReleaseAudioFrame(f)
		return
	}
	o.push(o.out, f)
}

func (o *orchestrator) push(ch chan frames.Frame, f frames.Frame) {
	if tooOld(f, staleAudioLag) {
		frames.ReleaseAudioFrame(f)
		o.recordDrop(f)
		return
	}
	switch o.cfg.Backpressure {
	case BackpressureWait:
		select {
		case <-o.ctx.Done():
			frames.ReleaseAudioFrame(f)
			return
		case ch <- f:
		}
	default:
		select {
		case ch <- f:
		default:
			frames.ReleaseAudioFrame(f)
			o.recordDrop(f)
		}
	}
}

func (o *orchestrator) recordStage(name string, f frames.Frame, start time.Time) {
	if o.obs == nil {
		return
	}
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "stage_latency_us",
		Time:  time.Now(),
		Value: float64(time.Since(start).Microseconds()),
		Tags: map[string]string{
			"processor":         name,
			frames.MetaStreamID: frameStreamID(f),
			frames.MetaTraceID:  frameTraceID(f),
		},
	})
}

func (o *orchestrator) recordIn(f frames.Frame)  { o.recordFlow("frame_in", f) }
func (o *orchestrator) recordOut(f frames.Frame) { o.recordFlow("frame_out", f) }

func (o *orchestrator) recordFlow(name string, f frames.Frame) {
	if o.obs == nil {
		return
	}
	tags := map[string]string{
		frames.MetaStreamID: frameStreamID(f),
		frames.MetaTraceID:  frameTraceID(f),
		"kind":              frameKind(f),
	}
	addDetailTags(tags, f)
	o.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

func (o *orchestrator) recordDrop(f frames.Frame) {
	if o.obs == nil {
		return
	}
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name: "frame_drop",
		Time: time.Now(),
		Tags: map[string]string{
			frames.MetaStreamID: frameStreamID(f),
			frames.MetaTraceID:  frameTraceID(f),
			"kind":              frameKind(f),
		},
	})
}

func frameStreamID(f frames.Frame) string { return metaValue(f, frames.MetaStreamID) }
func frameTraceID(f frames.Frame) string  { return metaValue(f, frames.MetaTraceID) }

func metaValue(f frames.Frame, key string) string {
	if f == nil {
		return ""
	}
	m := f.Meta()
	if m == nil {
		return ""
	}
	return m[key]
}

func frameKind(f frames.Frame) string {
	if f == nil {
		return ""
	}
	return string(f.Kind())
}

func addDetailTags(tags map[string]string, f frames.Frame) {
	if tags == nil || f == nil {
		return
	}
	meta := f.Meta()
	if meta != nil {
		if source := meta[frames.MetaSource]; source != "" {
			tags["source"] = source
		}
	}
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		tags["control_code"] = string(cf.Code())
		if meta != nil {
			if reason := meta[frames.MetaReason]; reason != "" {
				tags["control_reason"] = reason
			}
		}
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if name := sf.Name(); name != "" {
			tags["system_name"] = name
		}
	}
}

func logPipeline(procs []FrameProcessor) {
	if len(procs) == 0 {
		return
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		names = append(names, p.Name())
	}
	slog.Info("pipeline", "order", strings.Join(names, " -> "))
}

// tooOld reports whether an audio frame's PTS is more than maxLag
// behind now. Non-audio frames and synthetic PTS values (anything that
// is not a wall-clock nanosecond stamp) never expire.
func tooOld(f frames.Frame, maxLag time.Duration) bool {
	if f == nil || f.Kind() != frames.KindAudio {
		return false
	}
	pts := f.PTS()
	if pts < 1_000_000_000_000 {
		return false
	}
	return time.Since(time.Unix(0, pts)) > maxLag
}
