// Package tts declares the synthesizer contract: text in, audio frames
// out, with Flush as the barge-in hook that discards queued speech.
package tts

import (
	"context"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

// StreamingTTS is one live synthesis session. Providers that can force
// immediate synthesis of buffered text also implement
// SendTextWithOptions; see the processor's flushSender.
type StreamingTTS interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	SendText(text string) error
	Flush()
	Results() <-chan frames.Frame
}

// Config carries the vendor-agnostic session settings.
type Config struct {
	StreamID   string
	CallSID    string
	SampleRate int
	Channels   int
}
