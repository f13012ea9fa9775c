// Package playback tracks what the caller has actually heard. The transport
// buffers outbound audio, so the only reliable signal that a chunk finished
// playing is the mark acknowledgement that comes back after it. The tracker
// brackets outbound audio with named marks, matches the acks, and turns the
// final ack into a playback_finished event so the turn state machine can drop
// back to listening.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/logging"
	"github.com/PsiTechC/Convis-1-sub000/pkg/metrics"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
	"github.com/PsiTechC/Convis-1-sub000/pkg/turn"
	"github.com/google/uuid"
)

type Tracker struct {
	mu      sync.Mutex
	pending map[string][]string
	seen    map[string]map[string]struct{}
	floor   map[string]int64
	obs     metrics.Observer
	mgr     turn.Manager
	logger  *slog.Logger
}

func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[string][]string),
		seen:    make(map[string]map[string]struct{}),
		floor:   make(map[string]int64),
		logger:  logging.NewComponentLogger(slog.Default(), "playback"),
	}
}

func (t *Tracker) Name() string { return "playback_tracker" }

func (t *Tracker) SetObserver(obs metrics.Observer) { t.obs = obs }

// SetTurnManager lets the tracker drive the speak side of the turn state
// machine directly. The tracker is the last stage before the transport, so
// frames it emits never reach the turn processor upstream.
func (t *Tracker) SetTurnManager(mgr turn.Manager) { t.mgr = mgr }

func (t *Tracker) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindAudio:
		return t.bracketAudio(f.(frames.AudioFrame)), nil
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlMarkAck:
			return t.handleAck(cf), nil
		case frames.ControlStartInterruption:
			return t.handleInterruption(cf), nil
		}
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			t.forget(sf.Meta()[frames.MetaStreamID])
		}
	}
	return []frames.Frame{f}, nil
}

// bracketAudio wraps an outbound chunk in pre and post marks. Only the post
// mark is tracked; its ack means the chunk left the playback buffer. Audio
// carrying a turn sequence older than the last interruption is a straggler
// from a cancelled turn and never reaches the caller.
func (t *Tracker) bracketAudio(af frames.AudioFrame) []frames.Frame {
	streamID := af.Meta()[frames.MetaStreamID]
	if seq, ok := frames.SeqFromMeta(af.Meta()); ok {
		t.mu.Lock()
		floor := t.floor[streamID]
		t.mu.Unlock()
		if seq < floor {
			t.logger.Debug("stale turn audio discarded",
				slog.String("stream_id", streamID),
				slog.Int64("sequence", seq))
			t.record("playback_stale_drop", streamID, af.Meta()[frames.MetaTraceID])
			return nil
		}
	}
	now := time.Now().UnixNano()
	preID := uuid.NewString()
	postID := uuid.NewString()

	t.mu.Lock()
	t.pending[streamID] = append(t.pending[streamID], postID)
	if t.seen[streamID] == nil {
		t.seen[streamID] = make(map[string]struct{})
	}
	t.seen[streamID][postID] = struct{}{}
	t.mu.Unlock()

	if t.mgr != nil {
		t.mgr.OnSynthesisStart()
		t.mgr.OnPlaybackStart()
	}

	pre := frames.NewControlFrame(streamID, now, frames.ControlMark, markMeta(af.Meta(), preID, frames.MarkKindPre))
	post := frames.NewControlFrame(streamID, now, frames.ControlMark, markMeta(af.Meta(), postID, frames.MarkKindPost))
	return []frames.Frame{pre, af, post}
}

func (t *Tracker) handleAck(cf frames.ControlFrame) []frames.Frame {
	streamID := cf.Meta()[frames.MetaStreamID]
	markID := cf.Meta()[frames.MetaMarkID]

	t.mu.Lock()
	known := false
	if ids, ok := t.seen[streamID]; ok {
		_, known = ids[markID]
	}
	if !known {
		// Ack for a mark we never sent, or one discarded by an
		// interruption. Swallow it.
		t.mu.Unlock()
		return nil
	}
	delete(t.seen[streamID], markID)
	queue := t.pending[streamID]
	for i, id := range queue {
		if id == markID {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	t.pending[streamID] = queue
	finished := len(queue) == 0
	t.mu.Unlock()

	if !finished {
		return nil
	}
	if t.mgr != nil {
		t.mgr.OnPlaybackComplete()
	}
	t.record("playback_finished", streamID, cf.Meta()[frames.MetaTraceID])
	meta := map[string]string{frames.MetaStreamID: streamID}
	if callSID := cf.Meta()[frames.MetaCallSID]; callSID != "" {
		meta[frames.MetaCallSID] = callSID
	}
	return []frames.Frame{frames.NewSystemFrame(streamID, time.Now().UnixNano(), "playback_finished", meta)}
}

// handleInterruption discards every outstanding mark and asks the transport
// to clear its buffer. The clear is sent at most once per interruption:
// nothing pending means nothing is playing and no clear goes out.
func (t *Tracker) handleInterruption(cf frames.ControlFrame) []frames.Frame {
	streamID := cf.Meta()[frames.MetaStreamID]

	t.mu.Lock()
	dropped := len(t.pending[streamID])
	t.pending[streamID] = nil
	t.seen[streamID] = make(map[string]struct{})
	if seq, ok := frames.SeqFromMeta(cf.Meta()); ok && seq > t.floor[streamID] {
		t.floor[streamID] = seq
	}
	t.mu.Unlock()

	out := []frames.Frame{cf}
	if dropped > 0 {
		t.logger.Info("playback cleared on interruption",
			slog.String("stream_id", streamID),
			slog.Int("pending_marks", dropped))
		t.record("playback_cleared", streamID, cf.Meta()[frames.MetaTraceID])
		clearMeta := map[string]string{frames.MetaStreamID: streamID}
		if callSID := cf.Meta()[frames.MetaCallSID]; callSID != "" {
			clearMeta[frames.MetaCallSID] = callSID
		}
		out = append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlClear, clearMeta))
	}
	return out
}

func (t *Tracker) forget(streamID string) {
	t.mu.Lock()
	delete(t.pending, streamID)
	delete(t.seen, streamID)
	delete(t.floor, streamID)
	t.mu.Unlock()
}

func markMeta(src map[string]string, markID, kind string) map[string]string {
	meta := map[string]string{
		frames.MetaStreamID: src[frames.MetaStreamID],
		frames.MetaMarkID:   markID,
		frames.MetaMarkKind: kind,
	}
	if callSID := src[frames.MetaCallSID]; callSID != "" {
		meta[frames.MetaCallSID] = callSID
	}
	if seq := src[frames.MetaSequenceID]; seq != "" {
		meta[frames.MetaSequenceID] = seq
	}
	return meta
}

func (t *Tracker) record(name, streamID, traceID string) {
	if t.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "playback"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	t.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

var _ pipeline.FrameProcessor = (*Tracker)(nil)
