package processors

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
)

type DTMFDisambiguatorConfig struct {
	Window      time.Duration
	PreferDTMF  bool
	MarkOnly    bool
	MetaKeyFlag string
}

// DTMFDisambiguator resolves the double-entry problem: a caller presses
// a keypad digit and the recognizer hears the tone as a spoken number,
// so the same input arrives twice. Within the window after a DTMF
// press, digit-only transcripts are either dropped (PreferDTMF) or
// flagged for downstream to decide.
type DTMFDisambiguator struct {
	cfg    DTMFDisambiguatorConfig
	mu     sync.Mutex
	lastDT map[string]time.Time
}

var digitOnly = regexp.MustCompile(`^[0-9]+$`)

func NewDTMFDisambiguator(cfg DTMFDisambiguatorConfig) *DTMFDisambiguator {
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if cfg.MetaKeyFlag == "" {
		cfg.MetaKeyFlag = frames.MetaDTMFPriority
	}
	return &DTMFDisambiguator{
		cfg:    cfg,
		lastDT: make(map[string]time.Time),
	}
}

func (d *DTMFDisambiguator) Name() string { return "dtmf_disambiguator" }

func (d *DTMFDisambiguator) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		if sf := f.(frames.SystemFrame); sf.Name() == "call_end" {
			d.forget(sf.Meta()[frames.MetaStreamID])
		}
	case frames.KindControl:
		if cf := f.(frames.ControlFrame); cf.Code() == frames.ControlDTMF {
			d.notePress(cf.Meta()[frames.MetaStreamID])
		}
	case frames.KindText:
		return d.processText(f.(frames.TextFrame))
	}
	return []frames.Frame{f}, nil
}

func (d *DTMFDisambiguator) processText(tf frames.TextFrame) ([]frames.Frame, error) {
	meta := tf.Meta()
	streamID := meta[frames.MetaStreamID]
	text := strings.TrimSpace(tf.Text())
	if meta[frames.MetaSource] != "stt" || streamID == "" || text == "" || !digitOnly.MatchString(text) {
		return []frames.Frame{tf}, nil
	}
	if !d.recentPress(streamID) {
		return []frames.Frame{tf}, nil
	}
	if d.cfg.PreferDTMF && !d.cfg.MarkOnly {
		// The keypad press already carried the digits.
		return nil, nil
	}
	meta[d.cfg.MetaKeyFlag] = "true"
	return []frames.Frame{frames.NewTextFrame(streamID, tf.PTS(), tf.Text(), meta)}, nil
}

func (d *DTMFDisambiguator) notePress(streamID string) {
	if streamID == "" {
		return
	}
	d.mu.Lock()
	d.lastDT[streamID] = time.Now()
	d.mu.Unlock()
}

func (d *DTMFDisambiguator) recentPress(streamID string) bool {
	d.mu.Lock()
	last, ok := d.lastDT[streamID]
	d.mu.Unlock()
	return ok && time.Since(last) <= d.cfg.Window
}

func (d *DTMFDisambiguator) forget(streamID string) {
	if streamID == "" {
		return
	}
	d.mu.Lock()
	delete(d.lastDT, streamID)
	d.mu.Unlock()
}

var _ pipeline.FrameProcessor = (*DTMFDisambiguator)(nil)
