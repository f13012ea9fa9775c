package observers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/metrics"
)

// CostSummary totals the billable units of one call: seconds of audio
// sent to recognition, seconds synthesized, and LLM tokens.
type CostSummary struct {
	TraceID       string  `json:"trace_id,omitempty"`
	StreamID      string  `json:"stream_id,omitempty"`
	STTAudioSec   float64 `json:"stt_audio_seconds"`
	TTSAudioSec   float64 `json:"tts_audio_seconds"`
	LLMTokenCount int     `json:"llm_tokens"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// CostObserver accumulates per-call usage and writes one cost JSON per
// call into the artifacts directory at shutdown. Disabled when no
// directory is configured.
type CostObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*CostSummary
}

func NewCostObserver(dir string) *CostObserver {
	return &CostObserver{dir: dir, stats: make(map[string]*CostSummary)}
}

func (o *CostObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	var streamID, traceID string
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
		traceID = ev.Tags["trace_id"]
	}
	id := traceID
	if id == "" {
		id = streamID
	}
	if id == "" {
		return
	}

	switch ev.Name {
	case "audio_in", "audio_out":
		sec := audioSeconds(ev.Fields)
		if sec <= 0 {
			return
		}
		o.mu.Lock()
		stat := o.summary(id, traceID, streamID)
		if ev.Name == "audio_in" {
			stat.STTAudioSec += sec
		} else {
			stat.TTSAudioSec += sec
		}
		o.mu.Unlock()
	case "llm_done":
		if ev.Fields == nil {
			return
		}
		if v, ok := ev.Fields["tokens"].(int); ok {
			o.mu.Lock()
			o.summary(id, traceID, streamID).LLMTokenCount += v
			o.mu.Unlock()
		}
	}
}

// summary returns the running totals for id, creating them on first
// use. Callers hold o.mu.
func (o *CostObserver) summary(id, traceID, streamID string) *CostSummary {
	stat := o.stats[id]
	if stat == nil {
		stat = &CostSummary{TraceID: traceID, StreamID: streamID}
		o.stats[id] = stat
	}
	return stat
}

func (o *CostObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".cost.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

// audioSeconds derives playback seconds from an event's base64 payload
// and sample rate. Audio here is 8-bit mu-law, one byte per sample.
func audioSeconds(fields map[string]any) float64 {
	if fields == nil {
		return 0
	}
	payload, _ := fields["payload_b64"].(string)
	if payload == "" {
		return 0
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0
	}
	sampleRate := intField(fields, "sample_rate", 0)
	channels := intField(fields, "channels", 1)
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return float64(len(raw)) / float64(sampleRate*channels)
}

func intField(fields map[string]any, key string, fallback int) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

var _ metrics.Observer = (*CostObserver)(nil)
