package processors

import (
	"strings"
	"sync"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
)

type ResponseLimiterConfig struct {
	MaxChars     int
	MaxSentences int
}

// ResponseLimiter caps how much of a turn actually gets spoken. Generator
// output arrives as clause-sized frames, so the limiter keeps a running count
// per turn and truncates or drops frames once the budget is spent. Callers on
// the phone do not want a monologue.
type ResponseLimiter struct {
	cfg    ResponseLimiterConfig
	mu     sync.Mutex
	counts map[string]*turnBudget
}

type turnBudget struct {
	seq       string
	chars     int
	sentences int
	exhausted bool
}

func NewResponseLimiter(cfg ResponseLimiterConfig) *ResponseLimiter {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 420
	}
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = 3
	}
	return &ResponseLimiter{
		cfg:    cfg,
		counts: make(map[string]*turnBudget),
	}
}

func (r *ResponseLimiter) Name() string { return "response_limiter" }

func (r *ResponseLimiter) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			r.mu.Lock()
			delete(r.counts, sf.Meta()[frames.MetaStreamID])
			r.mu.Unlock()
		}
		return []frames.Frame{f}, nil
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlStartInterruption || cf.Code() == frames.ControlCancel {
			r.mu.Lock()
			delete(r.counts, cf.Meta()[frames.MetaStreamID])
			r.mu.Unlock()
		}
		return []frames.Frame{f}, nil
	case frames.KindText:
	default:
		return []frames.Frame{f}, nil
	}

	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if meta[frames.MetaSource] != "llm" {
		return []frames.Frame{f}, nil
	}
	streamID := meta[frames.MetaStreamID]
	seq := meta[frames.MetaSequenceID]
	flush := meta[frames.MetaTTSFlush] == "true"
	text := tf.Text()

	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.counts[streamID]
	if b == nil || b.seq != seq {
		b = &turnBudget{seq: seq}
		r.counts[streamID] = b
	}
	if flush {
		defer delete(r.counts, streamID)
	}
	if b.exhausted {
		// Budget already spent. Keep the flush marker so the synthesizer
		// still closes out the turn.
		if !flush {
			return nil, nil
		}
		return []frames.Frame{frames.NewTextFrame(streamID, tf.PTS(), "", meta)}, nil
	}

	kept := text
	if b.chars+len(text) > r.cfg.MaxChars {
		kept = strings.TrimSpace(text[:r.cfg.MaxChars-b.chars])
		b.exhausted = true
	}
	b.chars += len(kept)
	b.sentences += countSentences(kept)
	if b.sentences >= r.cfg.MaxSentences {
		b.exhausted = true
	}
	if kept == text {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaShortTurnEnforced] = "true"
	if kept == "" && !flush {
		return nil, nil
	}
	return []frames.Frame{frames.NewTextFrame(streamID, tf.PTS(), kept, meta)}, nil
}

func countSentences(text string) int {
	count := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
		}
	}
	return count
}

var _ pipeline.FrameProcessor = (*ResponseLimiter)(nil)
