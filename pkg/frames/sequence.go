package frames

import (
	"strconv"
	"sync"
)

// SeqGen hands out per-stream turn sequence ids. Every user turn bumps the
// counter; frames produced for that turn carry the value in MetaSequenceID so
// downstream stages can drop work that belongs to a superseded turn.
type SeqGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{value: make(map[string]int64)}
}

func (g *SeqGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + 1
	g.value[streamID] = v
	return v
}

func (g *SeqGen) Current(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value[streamID]
}

func (g *SeqGen) Forget(streamID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.value, streamID)
}

// SeqFromMeta parses MetaSequenceID; ok is false when absent or malformed.
func SeqFromMeta(meta map[string]string) (int64, bool) {
	if meta == nil {
		return 0, false
	}
	raw, present := meta[MetaSequenceID]
	if !present {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func FormatSeq(v int64) string {
	return strconv.FormatInt(v, 10)
}
