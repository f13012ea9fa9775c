package processors

import (
	"strings"
	"sync"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
)

type RecoveryConfig struct {
	MaxAttempts int
	PromptText  string
	Phrases     []string
}

// RecoveryProcessor speaks a clarification prompt when the conversation
// goes sideways: either the pipeline raised a fallback control, or the
// LLM's own reply reads as confusion. After MaxAttempts per stream it
// stops prompting and lets the fallback text through as-is.
type RecoveryProcessor struct {
	cfg    RecoveryConfig
	mu     sync.Mutex
	counts map[string]int
}

func NewRecoveryProcessor(cfg RecoveryConfig) *RecoveryProcessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.PromptText == "" {
		cfg.PromptText = "Sorry, I didn't quite catch that. Could you say it again briefly?"
	}
	if len(cfg.Phrases) == 0 {
		cfg.Phrases = []string{
			"could you repeat",
			"i didn't understand",
			"i'm not sure what you mean",
			"i didn't catch that",
		}
	}
	return &RecoveryProcessor{cfg: cfg, counts: make(map[string]int)}
}

func (r *RecoveryProcessor) Name() string { return "recovery_processor" }

func (r *RecoveryProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	streamID := f.Meta()[frames.MetaStreamID]
	if streamID == "" {
		return []frames.Frame{f}, nil
	}
	switch f.Kind() {
	case frames.KindSystem:
		if sf := f.(frames.SystemFrame); sf.Name() == "call_end" {
			r.reset(streamID)
		}
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlFallback && r.bump(streamID) {
			return []frames.Frame{r.prompt(streamID, cf.PTS(), cf.Meta(), "fallback"), f}, nil
		}
	case frames.KindText:
		tf := f.(frames.TextFrame)
		if tf.Meta()[frames.MetaSource] != "llm" {
			break
		}
		if !r.isConfusion(tf.Text()) {
			// A coherent reply closes the recovery episode.
			r.reset(streamID)
			break
		}
		if r.bump(streamID) {
			return []frames.Frame{r.prompt(streamID, tf.PTS(), tf.Meta(), "confusion")}, nil
		}
	}
	return []frames.Frame{f}, nil
}

// prompt builds the clarification as llm-sourced text with a flush tag,
// so the synthesizer speaks it immediately.
func (r *RecoveryProcessor) prompt(streamID string, pts int64, meta map[string]string, reason string) frames.TextFrame {
	meta[frames.MetaSource] = "llm"
	meta[frames.MetaRecoveryReason] = reason
	meta[frames.MetaTTSFlush] = "true"
	return frames.NewTextFrame(streamID, pts, r.cfg.PromptText, meta)
}

func (r *RecoveryProcessor) isConfusion(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, p := range r.cfg.Phrases {
		if strings.Contains(t, p) {
			return true
		}
	}
	return false
}

func (r *RecoveryProcessor) bump(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[streamID]++
	return r.counts[streamID] <= r.cfg.MaxAttempts
}

func (r *RecoveryProcessor) reset(streamID string) {
	r.mu.Lock()
	delete(r.counts, streamID)
	r.mu.Unlock()
}

var _ pipeline.FrameProcessor = (*RecoveryProcessor)(nil)
