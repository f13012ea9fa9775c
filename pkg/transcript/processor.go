package transcript

import (
	"strings"
	"sync"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
)

// Processor feeds a Recorder from pipeline traffic. Final caller transcripts
// land as user entries; streamed generator tokens are buffered per turn and
// committed as one assistant entry on the turn-end flush. An interruption
// commits whatever was spoken so far, since the caller heard part of it.
type Processor struct {
	rec *Recorder

	mu      sync.Mutex
	pending strings.Builder
	seq     string
}

func NewProcessor(rec *Recorder) *Processor {
	return &Processor{rec: rec}
}

func (p *Processor) Name() string { return "transcript" }

func (p *Processor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindText:
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		switch meta[frames.MetaSource] {
		case "stt":
			if meta[frames.MetaIsFinal] == "true" {
				p.rec.Add("user", strings.TrimSpace(tf.Text()))
			}
		case "llm":
			p.addAssistant(tf.Text(), meta)
		}
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlStartInterruption {
			p.commit()
		}
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			p.commit()
		}
	}
	return []frames.Frame{f}, nil
}

func (p *Processor) addAssistant(text string, meta map[string]string) {
	p.mu.Lock()
	seq := meta[frames.MetaSequenceID]
	if seq != p.seq {
		// New turn. The old buffer was either committed already or the
		// turn was cancelled before any audio went out.
		p.pending.Reset()
		p.seq = seq
	}
	p.pending.WriteString(text)
	flush := meta[frames.MetaTTSFlush] == "true"
	p.mu.Unlock()
	if flush {
		p.commit()
	}
}

func (p *Processor) commit() {
	p.mu.Lock()
	text := strings.TrimSpace(p.pending.String())
	p.pending.Reset()
	p.mu.Unlock()
	if text != "" {
		p.rec.Add("assistant", text)
	}
}

var _ pipeline.FrameProcessor = (*Processor)(nil)
