package processors

import (
	"strings"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
)

type TextNormalizerConfig struct {
	Replacements map[string]string
	Source       string
}

// TextNormalizer rewrites configured phrases in transcripts, typically
// vendor mishearings of domain terms ("dial pad" for "dialpad"). It
// only touches frames from the configured source so generated replies
// pass through untouched.
type TextNormalizer struct {
	replacements map[string]string
	source       string
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	if cfg.Source == "" {
		cfg.Source = "stt"
	}
	return &TextNormalizer{
		replacements: cfg.Replacements,
		source:       cfg.Source,
	}
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

func (t *TextNormalizer) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText || len(t.replacements) == 0 {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if t.source != "" && meta[frames.MetaSource] != t.source {
		return []frames.Frame{f}, nil
	}
	normalized := t.normalize(tf.Text())
	if normalized == tf.Text() {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaNormalized] = "true"
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), normalized, meta)}, nil
}

// normalize lowercases the text and applies every replacement. Matching
// is case-insensitive; replacement values are taken verbatim.
func (t *TextNormalizer) normalize(text string) string {
	out := strings.ToLower(text)
	for from, to := range t.replacements {
		if from == "" {
			continue
		}
		out = strings.ReplaceAll(out, strings.ToLower(from), to)
	}
	return out
}

var _ pipeline.FrameProcessor = (*TextNormalizer)(nil)
