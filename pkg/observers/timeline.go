package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/metrics"
	"github.com/PsiTechC/Convis-1-sub000/pkg/redact"
)

// TimelineObserver appends every metric event of a call to a JSONL
// file named after its trace. One file per call, one event per line,
// readable with jq after the fact.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEvent struct {
	Time     time.Time         `json:"time"`
	Event    string            `json:"event"`
	StreamID string            `json:"stream_id,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	var streamID, traceID string
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
		traceID = ev.Tags["trace_id"]
	}
	// The trace ID survives transport reconnects, so it names the file;
	// the stream ID is the fallback for events recorded before a trace
	// is assigned.
	id := traceID
	if id == "" {
		id = streamID
	}
	if id == "" {
		return
	}

	entry := timelineEvent{
		Time:     ev.Time.UTC(),
		Event:    timelineName(ev),
		StreamID: streamID,
		TraceID:  traceID,
		Tags:     copyTags(ev.Tags),
		Fields:   scrubFields(ev.Fields),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f := o.fileFor(id)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) fileFor(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

// timelineName collapses the generic frame_in/frame_out events into
// audio_in/audio_out when the frame kind says audio, which is what the
// cost accounting reads back.
func timelineName(ev metrics.MetricsEvent) string {
	if ev.Tags == nil || ev.Tags["kind"] != "audio" {
		return ev.Name
	}
	switch ev.Name {
	case "frame_in":
		return "audio_in"
	case "frame_out":
		return "audio_out"
	}
	return ev.Name
}

// sanitizeID keeps the ID usable as a filename; anything outside the
// safe set becomes an underscore.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		}
		return '_'
	}, id)
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// scrubFields runs string fields through the redactor so PII never
// lands on disk. Base64 audio payloads pass through untouched.
func scrubFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		s, ok := v.(string)
		if !ok || strings.Contains(k, "payload_b64") || strings.Contains(k, "audio_b64") {
			out[k] = v
			continue
		}
		out[k] = redact.Text(s)
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
