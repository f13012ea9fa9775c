// Package stt declares the recognizer contract. A provider takes raw
// call audio and emits text frames plus the voice-activity controls
// the turn manager keys off.
package stt

import (
	"context"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

// StreamingSTT is one live recognition session. Start before SendAudio;
// Results stays open until Close.
type StreamingSTT interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	SendAudio(frame frames.AudioFrame) error
	Results() <-chan frames.Frame
}

// Config carries the vendor-agnostic session settings; provider
// packages add their own on top.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	SampleRate int
	Language   string
}
