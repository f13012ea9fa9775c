// Package transcript keeps the full conversation log for a call. The turn
// generator trims its own history window, so this recorder is the only place
// the complete exchange survives. It is handed to the caller of the engine at
// call end and never persisted here.
package transcript

import (
	"sync"
	"time"
)

type Entry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Providers holds the resolved (post-fallback) provider names for the call.
type Providers struct {
	STT string `json:"stt"`
	TTS string `json:"tts"`
	LLM string `json:"llm"`
}

type Recorder struct {
	mu        sync.Mutex
	callSID   string
	entries   []Entry
	providers Providers
	started   time.Time
}

func NewRecorder(callSID string) *Recorder {
	return &Recorder{
		callSID: callSID,
		started: time.Now(),
	}
}

func (r *Recorder) CallSID() string { return r.callSID }

func (r *Recorder) SetProviders(p Providers) {
	r.mu.Lock()
	r.providers = p
	r.mu.Unlock()
}

func (r *Recorder) Providers() Providers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.providers
}

func (r *Recorder) Add(role, text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Role: role, Text: text, Time: time.Now()})
	r.mu.Unlock()
}

// Entries returns a copy of the log in arrival order.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Recorder) Started() time.Time { return r.started }
