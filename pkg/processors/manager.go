package processors

import (
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
	"github.com/PsiTechC/Convis-1-sub000/pkg/turn"
)

// TurnProcessor bridges pipeline frames into the turn state machine. It sits
// between the recognizer and the generator: recognizer-side interruption
// signals and final transcripts are filtered through the manager's barge-in
// rules before anything downstream reacts to them.
type TurnProcessor struct {
	mgr    turn.Manager
	emitCh chan frames.Frame
	lastID string

	silenceCfg    *SilenceRepromptConfig
	silenceTimer  *time.Timer
	repromptCount int
	lastTraceID   string
	mu            sync.Mutex
}

type TurnProcessorConfig struct {
	MinInterruptWords int
}

func NewTurnProcessor(strategy turn.Strategy) *TurnProcessor {
	return NewTurnProcessorWithConfig(strategy, TurnProcessorConfig{})
}

func NewTurnProcessorWithConfig(strategy turn.Strategy, cfg TurnProcessorConfig) *TurnProcessor {
	tp := &TurnProcessor{
		emitCh: make(chan frames.Frame, 32),
	}
	emitter := &turnEmitter{out: tp.emitCh}
	tp.mgr = turn.NewManagerWithOptions(strategy, emitter, turn.ManagerOptions{
		MinInterruptWords: cfg.MinInterruptWords,
	})
	return tp
}

// SilenceRepromptConfig makes the agent speak up after the caller goes
// quiet for Timeout, at most MaxAttempts times per silence episode.
type SilenceRepromptConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	PromptText  string
}

func (p *TurnProcessor) SetSilenceReprompt(cfg *SilenceRepromptConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg != nil {
		if cfg.MaxAttempts <= 0 {
			cfg.MaxAttempts = 2
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = 10 * time.Second
		}
		if cfg.PromptText == "" {
			cfg.PromptText = "Hello, are you still there?"
		}
	}
	p.silenceCfg = cfg
}

func (p *TurnProcessor) Name() string { return "turn_processor" }

func (p *TurnProcessor) Manager() turn.Manager { return p.mgr }

func (p *TurnProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	p.noteIdentity(f.Meta())
	out := p.drain()

	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() == frames.ControlStartInterruption && cf.Meta()[frames.MetaSource] == "stt" {
			// Recognizer saw speech onset. Only a real barge-in, decided
			// by the manager, propagates as an interruption.
			p.resetSilenceTimer()
			p.mgr.OnSpeechStarted()
			return append(out, p.drain()...), nil
		}
		if cf.Code() == frames.ControlFlush {
			p.resetSilenceTimer()
		}
	case frames.KindText:
		tf := f.(frames.TextFrame)
		if tf.Meta()[frames.MetaSource] == "stt" && tf.Meta()[frames.MetaRole] != "assistant" {
			p.resetSilenceTimer()
			if isFinal(tf.Meta()) {
				if !p.mgr.OnFinalTranscript(tf.Text()) {
					// Backchannel while the agent is speaking.
					return append(out, p.drain()...), nil
				}
				p.mgr.OnGenerationStart()
			}
		}
	case frames.KindSystem:
		p.handleLifecycle(f.(frames.SystemFrame))
	}
	out = append(out, f)
	return append(out, p.drain()...), nil
}

func (p *TurnProcessor) noteIdentity(meta map[string]string) {
	if traceID := meta[frames.MetaTraceID]; traceID != "" {
		p.mu.Lock()
		p.lastTraceID = traceID
		p.mu.Unlock()
	}
	if streamID := meta[frames.MetaStreamID]; streamID != "" {
		p.lastID = streamID
	}
}

func (p *TurnProcessor) handleLifecycle(sf frames.SystemFrame) {
	switch sf.Name() {
	case "call_start":
		p.mgr.OnCallStart()
	case "greeting", "reprompt":
		// Agent-initiated speech with no preceding user turn.
		p.mgr.OnGenerationStart()
	case "playback_finished":
		p.mgr.OnPlaybackComplete()
		p.startSilenceTimer()
	case "call_end":
		p.mgr.OnCallEnd()
		p.resetSilenceTimer()
		p.mu.Lock()
		p.lastTraceID = ""
		p.mu.Unlock()
	}
}

func (p *TurnProcessor) drain() []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f := <-p.emitCh:
			out = append(out, p.ensureStreamID(f))
		default:
			return out
		}
	}
}

// ensureStreamID re-stamps manager-emitted frames, which are born
// without session identifiers, with the stream last seen on input.
func (p *TurnProcessor) ensureStreamID(f frames.Frame) frames.Frame {
	if p.lastID == "" {
		return f
	}
	meta := f.Meta()
	if meta[frames.MetaStreamID] != "" {
		return f
	}
	meta[frames.MetaStreamID] = p.lastID
	if meta[frames.MetaSource] == "" {
		meta[frames.MetaSource] = "turn"
	}
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		return frames.NewControlFrame(p.lastID, cf.PTS(), cf.Code(), meta)
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		return frames.NewSystemFrame(p.lastID, sf.PTS(), sf.Name(), meta)
	case frames.KindText:
		tf := f.(frames.TextFrame)
		return frames.NewTextFrame(p.lastID, tf.PTS(), tf.Text(), meta)
	default:
		return f
	}
}

func isFinal(meta map[string]string) bool {
	return meta[frames.MetaIsFinal] == "true"
}

// startSilenceTimer arms the reprompt clock after playback finishes.
// The timer re-arms itself until MaxAttempts prompts have fired; any
// caller activity resets the whole episode.
func (p *TurnProcessor) startSilenceTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.silenceCfg
	if cfg == nil {
		return
	}
	if p.silenceTimer != nil {
		p.silenceTimer.Stop()
	}
	streamID := p.lastID
	timeout := cfg.Timeout
	p.silenceTimer = time.AfterFunc(timeout, func() {
		p.fireReprompt(streamID, timeout)
	})
}

func (p *TurnProcessor) fireReprompt(streamID string, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silenceCfg == nil || streamID == "" {
		return
	}
	if p.repromptCount >= p.silenceCfg.MaxAttempts {
		return
	}
	p.repromptCount++
	meta := map[string]string{
		frames.MetaStreamID:     streamID,
		frames.MetaGreetingText: p.silenceCfg.PromptText,
		frames.MetaReason:       "silence_reprompt",
	}
	if traceID := strings.TrimSpace(p.lastTraceID); traceID != "" {
		meta[frames.MetaTraceID] = traceID
	}
	sf := frames.NewSystemFrame(streamID, time.Now().UnixNano(), "reprompt", meta)
	select {
	case p.emitCh <- sf:
		p.mgr.OnGenerationStart()
	default:
	}
	if p.repromptCount < p.silenceCfg.MaxAttempts {
		p.silenceTimer = time.AfterFunc(timeout, func() {
			p.fireReprompt(streamID, timeout)
		})
	}
}

func (p *TurnProcessor) resetSilenceTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silenceTimer != nil {
		p.silenceTimer.Stop()
		p.silenceTimer = nil
	}
	p.repromptCount = 0
}

type turnEmitter struct {
	out chan frames.Frame
}

func (e *turnEmitter) Emit(frame frames.Frame) error {
	select {
	case e.out <- frame:
	default:
	}
	return nil
}

var _ pipeline.FrameProcessor = (*TurnProcessor)(nil)
