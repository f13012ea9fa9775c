package processors

import (
	"bytes"
	"encoding/base64"
	"os"
	"strings"
	"sync"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
)

// FillerProcessor plays a short "hmm" clip right after the caller finishes a
// turn, masking the LLM round trip. Cleared as soon as the caller speaks
// again or any interruption arrives.
type FillerProcessor struct {
	mu     sync.Mutex
	active map[string]bool
	chunks [][]byte
}

func NewFillerProcessor(path string) *FillerProcessor {
	raw := loadFiller(path)
	if len(raw) < 160 {
		raw = bytes.Repeat([]byte{0xFF}, 160*5)
	}
	var chunks [][]byte
	for i := 0; i+160 <= len(raw); i += 160 {
		chunks = append(chunks, raw[i:i+160])
	}
	return &FillerProcessor{
		active: make(map[string]bool),
		chunks: chunks,
	}
}

func (p *FillerProcessor) Name() string { return "filler" }

func (p *FillerProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			p.clear(sf.Meta()[frames.MetaStreamID])
		}
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlFlush, frames.ControlCancel, frames.ControlStartInterruption:
			p.clear(cf.Meta()[frames.MetaStreamID])
		}
	case frames.KindText:
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaSource] != "stt" {
			return []frames.Frame{f}, nil
		}
		streamID := meta[frames.MetaStreamID]
		if meta[frames.MetaIsFinal] == "true" {
			// The turn is opening. Cover the generation latency with a short
			// filler clip so the caller does not hear dead air.
			out := []frames.Frame{f}
			out = append(out, p.play(streamID, meta)...)
			return out, nil
		}
		// Caller is speaking again.
		p.clear(streamID)
	}
	return []frames.Frame{f}, nil
}

func (p *FillerProcessor) play(streamID string, meta map[string]string) []frames.Frame {
	p.mu.Lock()
	if p.active[streamID] {
		p.mu.Unlock()
		return nil
	}
	p.active[streamID] = true
	p.mu.Unlock()
	var out []frames.Frame
	for _, c := range p.chunks {
		frameMeta := map[string]string{
			frames.MetaEncoding: frames.EncodingMuLaw,
			frames.MetaSource:   "filler",
		}
		if callSID := meta[frames.MetaCallSID]; callSID != "" {
			frameMeta[frames.MetaCallSID] = callSID
		}
		if traceID := meta[frames.MetaTraceID]; traceID != "" {
			frameMeta[frames.MetaTraceID] = traceID
		}
		out = append(out, frames.NewAudioFrameFromPool(streamID, 0, c, 8000, 1, frameMeta))
	}
	return out
}

func (p *FillerProcessor) clear(streamID string) {
	p.mu.Lock()
	delete(p.active, streamID)
	p.mu.Unlock()
}

func loadFiller(path string) []byte {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if strings.HasSuffix(path, ".b64") {
		s := strings.TrimSpace(string(b))
		if s == "" {
			return nil
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err == nil && len(decoded) > 0 {
			return decoded
		}
	}
	return b
}

var _ pipeline.FrameProcessor = (*FillerProcessor)(nil)
