package processors

import (
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
)

// SentenceChunker regroups streamed generator tokens into clause-sized text
// frames so synthesis can start on the first clause instead of waiting for the
// full reply. Buffers are keyed by stream and flushed on clause punctuation,
// on the turn-end flush frame, or when a new turn supersedes the old one.
type SentenceChunker struct {
	mu      sync.Mutex
	pending map[string]*chunkState
	minLen  int
}

type chunkState struct {
	buf strings.Builder
	seq string
}

func NewSentenceChunker() *SentenceChunker {
	return &SentenceChunker{
		pending: make(map[string]*chunkState),
		minLen:  12,
	}
}

func (c *SentenceChunker) Name() string { return "sentence_chunker" }

func (c *SentenceChunker) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			c.mu.Lock()
			delete(c.pending, sf.Meta()[frames.MetaStreamID])
			c.mu.Unlock()
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() == frames.KindControl {
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlStartInterruption || cf.Code() == frames.ControlCancel {
			c.mu.Lock()
			delete(c.pending, cf.Meta()[frames.MetaStreamID])
			c.mu.Unlock()
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindText {
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

	c.mu.Lock()
	st, ok := c.pending[streamID]
	if !ok || st.seq != seq {
		// A fresh turn drops whatever the old turn left behind.
		st = &chunkState{seq: seq}
		c.pending[streamID] = st
	}
	st.buf.WriteString(tf.Text())
	var out []frames.Frame
	emit := func(text string, last bool) {
		m := cloneMeta(meta)
		if last {
			m[frames.MetaTTSFlush] = "true"
		} else {
			delete(m, frames.MetaTTSFlush)
		}
		out = append(out, frames.NewTextFrame(streamID, time.Now().UnixNano(), text, m))
	}
	for {
		text := st.buf.String()
		cut := clauseBoundary(text, c.minLen)
		if cut < 0 {
			break
		}
		emit(strings.TrimSpace(text[:cut]), false)
		st.buf.Reset()
		st.buf.WriteString(text[cut:])
	}
	if flush {
		rest := strings.TrimSpace(st.buf.String())
		emit(rest, true)
		delete(c.pending, streamID)
	}
	c.mu.Unlock()
	return out, nil
}

// clauseBoundary returns the index just past the first clause terminator that
// leaves at least minLen characters before it, or -1 when none is present.
// A terminator only counts when followed by whitespace or end of buffer, so
// decimals and abbreviations mid-token stay intact.
func clauseBoundary(text string, minLen int) int {
	for i, r := range text {
		switch r {
		case '.', '!', '?', ',', ';', ':':
			if i+1 < len(text) && !isSpaceByte(text[i+1]) {
				continue
			}
			if i+1 < minLen {
				continue
			}
			return i + 1
		}
	}
	return -1
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func cloneMeta(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ pipeline.FrameProcessor = (*SentenceChunker)(nil)
