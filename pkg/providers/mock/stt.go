package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/stt"
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
)

// STTConfig scripts the recognizer: what it transcribes and which of
// the optional events (VAD, interim, utterance end) it plays back.
// FlushTranscript, when set, makes the mock behave like a buffered
// recognizer: a forced flush emits it as a final after FlushDelay.
type STTConfig struct {
	StreamID          string
	CallSID           string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitVAD           bool
	EmitUtteranceEnd  bool
	FlushTranscript   string
	FlushDelay        time.Duration
}

// StreamingSTT emits a scripted recognition sequence on the first audio
// frame it receives and stays silent afterwards.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

// meta builds the identifier set a real recognizer would stamp, plus
// any extra key pairs.
func (s *StreamingSTT) meta(kv ...string) map[string]string {
	m := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "stt",
	}
	if s.cfg.TraceID != "" {
		m[frames.MetaTraceID] = s.cfg.TraceID
	}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func (s *StreamingSTT) control(code frames.ControlCode, reason string) frames.ControlFrame {
	return frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), code, s.meta(frames.MetaReason, reason))
}

// SendAudio plays the scripted sequence once: optional VAD start,
// optional interim, the final transcript, a speech_final flush, and an
// optional utterance_end flush. Later audio is swallowed.
func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	if s.emitted {
		s.mu.Unlock()
		return nil
	}
	s.emitted = true
	s.mu.Unlock()

	if s.cfg.EmitVAD {
		s.out <- s.control(frames.ControlStartInterruption, "speech_started")
	}
	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), interim, s.meta(frames.MetaIsFinal, "false"))
	}
	s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), s.cfg.Transcript, s.meta(frames.MetaIsFinal, "true"))
	s.out <- s.control(frames.ControlFlush, "speech_final")
	if s.cfg.EmitUtteranceEnd {
		s.out <- s.control(frames.ControlFlush, "utterance_end")
	}
	return nil
}

// FlushUtterance plays the scripted trailing utterance, mimicking a
// buffered recognizer whose transcription lands after an async round
// trip.
func (s *StreamingSTT) FlushUtterance() bool {
	if s.cfg.FlushTranscript == "" {
		return false
	}
	go func() {
		if s.cfg.FlushDelay > 0 {
			time.Sleep(s.cfg.FlushDelay)
		}
		s.emit(frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), s.cfg.FlushTranscript, s.meta(frames.MetaIsFinal, "true")))
		s.emit(s.control(frames.ControlFlush, "forced_flush"))
	}()
	return true
}

func (s *StreamingSTT) emit(f frames.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return
	}
	select {
	case s.out <- f:
	default:
	}
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
