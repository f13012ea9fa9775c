package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/metrics"
)

// LatencyObserver measures the conversational response time of each
// turn: first audio in, final transcript, first LLM token, first
// synthesized audio. The number that matters to a caller is ttfb_ms,
// final transcript to first audio back.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*turnTrace
	log    *slog.Logger
}

type turnTrace struct {
	audioIn  time.Time
	sttFinal time.Time
	llmFirst time.Time
	ttsFirst time.Time
	llmDone  time.Time
	traceID  string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*turnTrace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
	}
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[streamID]
	if t == nil {
		t = &turnTrace{}
		o.traces[streamID] = t
	}
	// First-occurrence wins for every checkpoint except llm_done, which
	// closes the turn.
	switch ev.Name {
	case "stt_audio_in":
		if t.audioIn.IsZero() {
			t.audioIn = ev.Time
		}
		if t.traceID == "" && ev.Tags != nil {
			t.traceID = ev.Tags["trace_id"]
		}
	case "stt_final":
		if t.sttFinal.IsZero() {
			t.sttFinal = ev.Time
		}
	case "llm_first_token":
		if t.llmFirst.IsZero() {
			t.llmFirst = ev.Time
		}
	case "tts_first_audio":
		if t.ttsFirst.IsZero() {
			t.ttsFirst = ev.Time
		}
	case "llm_done":
		t.llmDone = ev.Time
	}
	if !t.llmDone.IsZero() {
		o.logTurnLocked(streamID, t)
		delete(o.traces, streamID)
	}
}

func (o *LatencyObserver) logTurnLocked(streamID string, t *turnTrace) {
	o.log.Info("latency",
		"stream_id", streamID,
		"trace_id", t.traceID,
		"stt_ms", spanMs(t.audioIn, t.sttFinal),
		"llm_first_token_ms", spanMs(t.sttFinal, t.llmFirst),
		"tts_first_audio_ms", spanMs(t.llmFirst, t.ttsFirst),
		"ttfb_ms", spanMs(t.sttFinal, t.ttsFirst),
	)
}

// spanMs returns -1 when either checkpoint never happened, so a missing
// stage reads distinctly from a zero-latency one.
func spanMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
