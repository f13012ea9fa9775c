package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/tts"
	"github.com/PsiTechC/Convis-1-sub000/pkg/errorsx"
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/logging"
	"github.com/PsiTechC/Convis-1-sub000/pkg/metrics"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
	"github.com/PsiTechC/Convis-1-sub000/pkg/redact"
	"github.com/PsiTechC/Convis-1-sub000/pkg/resilience"
)

// TTSProcessor feeds generator text into the synthesis provider and drains
// audio back into the pipeline. Text frames carry the turn sequence id; a
// frame whose sequence is older than the newest one seen for the stream
// belongs to an interrupted turn and is dropped before it reaches the
// provider.
type TTSProcessor struct {
	mu         sync.Mutex
	sessions   map[string]tts.StreamingTTS
	factory    func(callSID, streamID string) tts.StreamingTTS
	ctx        context.Context
	obs        metrics.Observer
	first      map[string]bool
	trace      map[string]string
	callStream map[string]string
	streamCall map[string]string
	latestSeq  map[string]int64
	sentSeq    map[string]int64
	staleBelow map[string]int64

	outputFormat string

	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryPolicy
	open     bool
	provider string

	logger *slog.Logger
}

// flushSender is the optional provider capability of synthesizing
// buffered text immediately; providers without it get a plain Flush.
type flushSender interface {
	SendTextWithOptions(text string, flush bool) error
}

func NewTTSProcessor(factory func(callSID, streamID string) tts.StreamingTTS) *TTSProcessor {
	return &TTSProcessor{
		sessions:     make(map[string]tts.StreamingTTS),
		factory:      factory,
		first:        make(map[string]bool),
		trace:        make(map[string]string),
		callStream:   make(map[string]string),
		streamCall:   make(map[string]string),
		latestSeq:    make(map[string]int64),
		sentSeq:      make(map[string]int64),
		staleBelow:   make(map[string]int64),
		outputFormat: "ulaw_8000",
		breaker:      resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:        resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:       logging.NewComponentLogger(slog.Default(), "tts_processor"),
	}
}

func (p *TTSProcessor) Name() string { return "tts_processor" }

func (p *TTSProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TTSProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// SetOutputFormat configures the output format for TTS logging/metrics.
func (p *TTSProcessor) SetOutputFormat(format string) {
	p.outputFormat = format
	p.logger.Info("tts output format configured",
		slog.String("output_format", format))
}

// SetLogger configures structured logging for the TTS processor.
func (p *TTSProcessor) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "tts_processor")
	}
}

func (p *TTSProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	streamID := f.Meta()[frames.MetaStreamID]
	if callSID := f.Meta()[frames.MetaCallSID]; callSID != "" {
		p.trackCallStream(callSID, streamID)
	}

	switch f.Kind() {
	case frames.KindSystem:
		if done := p.handleSystem(f.(frames.SystemFrame), streamID); done {
			return []frames.Frame{f}, nil
		}
	case frames.KindControl:
		return p.handleControl(f.(frames.ControlFrame), streamID)
	case frames.KindText:
		return p.handleText(f.(frames.TextFrame), streamID)
	}
	out := p.drainAll(streamID)
	p.noteFirstAudio(streamID, len(out))
	return append(out, f), nil
}

// handleSystem tears sessions down on call_end; anything else falls
// through to the default pass-through.
func (p *TTSProcessor) handleSystem(sf frames.SystemFrame, streamID string) bool {
	if sf.Name() != "call_end" {
		return false
	}
	if streamID == "" {
		streamID = p.streamForCall(sf.Meta()[frames.MetaCallSID])
	}
	if streamID != "" {
		p.CloseStream(streamID)
	}
	return true
}

func (p *TTSProcessor) handleControl(cf frames.ControlFrame, streamID string) ([]frames.Frame, error) {
	// Interruption flushes before draining: the buffered audio belongs
	// to the turn the caller just talked over.
	if cf.Code() == frames.ControlStartInterruption {
		p.noteSeq(streamID, cf.Meta())
		p.markInterrupted(streamID)
		p.withSession(streamID, func(sess tts.StreamingTTS) {
			sess.Flush()
			p.logger.Info("tts interruption received",
				slog.String("stream_id", streamID))
		})
		return []frames.Frame{cf}, nil
	}

	out := p.drainAll(streamID)
	p.noteFirstAudio(streamID, len(out))
	switch cf.Code() {
	case frames.ControlFlush:
		p.withSession(streamID, func(sess tts.StreamingTTS) {
			sess.Flush()
			p.logger.Info("tts flush signal received",
				slog.String("stream_id", streamID))
		})
	case frames.ControlCancel:
		p.logger.Info("tts cancel signal received",
			slog.String("stream_id", streamID))
		p.CloseStream(streamID)
	case frames.ControlFallback:
		p.logger.Info("tts fallback signal received",
			slog.String("stream_id", streamID))
		p.CloseStream(streamID)
	case frames.ControlAudioReady:
		p.logger.Debug("tts webhook flush",
			slog.String("stream_id", cf.Meta()[frames.MetaStreamID]))
		more := p.drainAll(streamID)
		p.noteFirstAudio(streamID, len(more))
		out = append(out, more...)
	}
	return append(out, cf), nil
}

func (p *TTSProcessor) handleText(tf frames.TextFrame, streamID string) ([]frames.Frame, error) {
	meta := tf.Meta()
	if meta[frames.MetaSource] != "llm" {
		out := p.drainAll(streamID)
		p.noteFirstAudio(streamID, len(out))
		return append(out, tf), nil
	}
	callSID := meta[frames.MetaCallSID]
	if traceID := meta[frames.MetaTraceID]; traceID != "" {
		p.setTrace(streamID, traceID)
	}
	if !p.noteSeq(streamID, meta) {
		p.logger.Debug("tts stale turn dropped",
			slog.String("stream_id", streamID),
			slog.String("sequence_id", meta[frames.MetaSequenceID]))
		out := p.drainAll(streamID)
		p.noteFirstAudio(streamID, len(out))
		return out, nil
	}
	if seq, ok := frames.SeqFromMeta(meta); ok {
		p.setSentSeq(streamID, seq)
	}

	flushRequested := meta[frames.MetaTTSFlush] == "true"
	if strings.TrimSpace(tf.Text()) == "" {
		if !flushRequested {
			return nil, nil
		}
		p.withSession(streamID, func(sess tts.StreamingTTS) {
			if sender, ok := sess.(flushSender); ok {
				_ = sender.SendTextWithOptions("", true)
			} else {
				sess.Flush()
			}
			p.logger.Info("tts flush requested",
				slog.String("stream_id", streamID))
		})
		out := p.drainAll(streamID)
		p.noteFirstAudio(streamID, len(out))
		return out, nil
	}

	if !p.breaker.Allow() {
		p.recordBreaker(metrics.EventBreakerDenied, streamID)
		p.setBreakerOpen(true, streamID)
		p.logger.Warn("tts circuit breaker open",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.ReasonTTSCircuitOpen)),
			slog.String("reason", "rate_limit_protection"))
		return p.fallbackOut(streamID, meta), nil
	}
	p.setBreakerOpen(false, streamID)

	ttsSession, err := p.getOrCreate(streamID, callSID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTTSConnect)
		p.logger.Error("tts connection failed",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		p.recordRateLimit(err, streamID)
		p.breaker.OnError(err)
		return p.fallbackOut(streamID, meta), nil
	}

	p.logger.Info("tts request",
		slog.String("stream_id", streamID),
		slog.String("text", clipTTSText(redact.Text(tf.Text()))),
		slog.Int("text_length", len(tf.Text())),
		slog.String("output_format", p.outputFormat))

	if err := p.synthesize(ttsSession, streamID, callSID, tf.Text(), flushRequested); err != nil {
		p.recordRateLimit(err, streamID)
		p.breaker.OnError(err)
		return p.fallbackOut(streamID, meta), nil
	}

	p.breaker.OnSuccess()
	p.logger.Debug("tts request successful",
		slog.String("stream_id", streamID))
	out := p.drainAll(streamID)
	p.noteFirstAudio(streamID, len(out))
	return out, nil
}

// synthesize sends text to the provider, rebuilding the session once on
// failure before giving up.
func (p *TTSProcessor) synthesize(sess tts.StreamingTTS, streamID, callSID, text string, flush bool) error {
	var err error
	if flush {
		if sender, ok := sess.(flushSender); ok {
			err = sender.SendTextWithOptions(text, true)
		} else {
			err = sess.SendText(text)
			if err == nil {
				sess.Flush()
				p.logger.Info("tts flush requested",
					slog.String("stream_id", streamID))
			}
		}
	} else {
		err = sess.SendText(text)
	}
	if err == nil {
		return nil
	}

	err = errorsx.Wrap(err, errorsx.ReasonTTSSend)
	p.logger.Error("tts send failed",
		slog.String("stream_id", streamID),
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))

	retryErr := p.retry.Do(func() error {
		p.CloseStream(streamID)
		fresh, cerr := p.getOrCreate(streamID, callSID)
		if cerr != nil {
			return cerr
		}
		return fresh.SendText(text)
	})
	if retryErr == nil {
		return nil
	}
	retryErr = errorsx.Wrap(retryErr, errorsx.ReasonTTSRetry)
	p.logger.Error("tts send failed after retry",
		slog.String("stream_id", streamID),
		slog.String("reason_code", string(errorsx.Reason(retryErr))),
		slog.String("error", retryErr.Error()),
		slog.Int("max_retries", p.retry.MaxRetries))
	return retryErr
}

// fallbackOut drains what audio exists and appends a fallback control
// so the pipeline can speak a canned apology instead.
func (p *TTSProcessor) fallbackOut(streamID string, meta map[string]string) []frames.Frame {
	out := p.drainAll(streamID)
	p.noteFirstAudio(streamID, len(out))
	return append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta))
}

func (p *TTSProcessor) trackCallStream(callSID, streamID string) {
	if callSID == "" || streamID == "" {
		return
	}
	p.mu.Lock()
	prev := p.callStream[callSID]
	if prev != "" && prev != streamID {
		p.mu.Unlock()
		p.CloseStream(prev)
		p.mu.Lock()
	}
	p.callStream[callSID] = streamID
	p.streamCall[streamID] = callSID
	p.mu.Unlock()
}

// noteSeq records the newest turn sequence seen for a stream and reports
// whether the given sequence is still current. Frames without a sequence id
// are always current.
func (p *TTSProcessor) noteSeq(streamID string, meta map[string]string) bool {
	seq, ok := frames.SeqFromMeta(meta)
	if !ok {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	latest := p.latestSeq[streamID]
	if seq > latest {
		p.latestSeq[streamID] = seq
		return true
	}
	return seq == latest
}

func (p *TTSProcessor) getOrCreate(streamID, callSID string) (tts.StreamingTTS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ttsSession, ok := p.sessions[streamID]; ok {
		return ttsSession, nil
	}

	p.logger.Debug("creating new TTS session",
		slog.String("stream_id", streamID),
		slog.String("call_sid", callSID))

	ttsSession := p.factory(callSID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := ttsSession.Start(p.ctx); err != nil {
		p.logger.Error("failed to start TTS session",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		return nil, err
	}

	p.logger.Info("TTS session created",
		slog.String("stream_id", streamID),
		slog.String("output_format", p.outputFormat))

	p.sessions[streamID] = ttsSession
	if p.provider == "" {
		p.provider = ttsSession.Name()
	}
	return ttsSession, nil
}

func (p *TTSProcessor) CloseStream(streamID string) {
	if streamID == "" {
		p.logger.Debug("tts close stream ignored - empty stream ID")
		return
	}
	p.logger.Debug("tts close stream called",
		slog.String("stream_id", streamID))
	p.mu.Lock()
	defer p.mu.Unlock()
	if ttsSession, ok := p.sessions[streamID]; ok {
		_ = ttsSession.Close()
		delete(p.sessions, streamID)
	}
	if callSID := p.streamCall[streamID]; callSID != "" {
		if p.callStream[callSID] == streamID {
			delete(p.callStream, callSID)
		}
		delete(p.streamCall, streamID)
	}
	delete(p.first, streamID)
	delete(p.trace, streamID)
	delete(p.latestSeq, streamID)
	delete(p.sentSeq, streamID)
	delete(p.staleBelow, streamID)
}

func (p *TTSProcessor) streamForCall(callSID string) string {
	if callSID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callStream[callSID]
}

func (p *TTSProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ttsSession := range p.sessions {
		_ = ttsSession.Close()
		delete(p.sessions, id)
	}
	p.first = make(map[string]bool)
	p.trace = make(map[string]string)
	p.callStream = make(map[string]string)
	p.streamCall = make(map[string]string)
	p.latestSeq = make(map[string]int64)
	p.sentSeq = make(map[string]int64)
	p.staleBelow = make(map[string]int64)
}

func (p *TTSProcessor) session(streamID string) (tts.StreamingTTS, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ttsSession, ok := p.sessions[streamID]
	return ttsSession, ok
}

func (p *TTSProcessor) withSession(streamID string, fn func(tts.StreamingTTS)) {
	if streamID == "" {
		return
	}
	if sess, ok := p.session(streamID); ok {
		fn(sess)
	}
}

// drainAll collects whatever audio the provider has buffered without
// blocking. Between an interruption's purge and the next accepted turn
// the provider may still emit chunks for the cancelled turn; those are
// discarded here rather than trusted to the transport-side clear. Kept
// audio is stamped with the turn it was synthesized for.
func (p *TTSProcessor) drainAll(streamID string) []frames.Frame {
	p.mu.Lock()
	seq := p.sentSeq[streamID]
	stale := seq < p.staleBelow[streamID]
	p.mu.Unlock()
	var out []frames.Frame
	p.withSession(streamID, func(sess tts.StreamingTTS) {
		ch := sess.Results()
		for {
			select {
			case f, ok := <-ch:
				if !ok {
					return
				}
				if f.Kind() == frames.KindAudio {
					if stale {
						frames.ReleaseAudioFrame(f)
						p.logger.Debug("tts cancelled turn audio dropped",
							slog.String("stream_id", streamID))
						continue
					}
					f = p.stampSeq(f.(frames.AudioFrame), streamID, seq)
				}
				out = append(out, f)
			default:
				return
			}
		}
	})
	return out
}

// stampSeq tags provider audio with the sequence of the turn whose text
// was last sent, so downstream stages can tell stale chunks apart.
func (p *TTSProcessor) stampSeq(af frames.AudioFrame, streamID string, seq int64) frames.Frame {
	if seq <= 0 || af.Meta()[frames.MetaSequenceID] != "" {
		return af
	}
	meta := af.Meta()
	meta[frames.MetaSequenceID] = frames.FormatSeq(seq)
	return frames.NewAudioFrame(streamID, af.PTS(), af.RawPayload(), af.Rate(), af.Channels(), meta)
}

func (p *TTSProcessor) setSentSeq(streamID string, seq int64) {
	p.mu.Lock()
	p.sentSeq[streamID] = seq
	p.mu.Unlock()
}

// markInterrupted opens the stale window: audio drained before a newer
// turn's text goes out belongs to the turn the caller talked over.
func (p *TTSProcessor) markInterrupted(streamID string) {
	p.mu.Lock()
	if seq := p.sentSeq[streamID]; seq > 0 {
		p.staleBelow[streamID] = seq + 1
	}
	p.mu.Unlock()
}

// noteFirstAudio emits the tts_first_audio metric once per stream, on
// the first drain that produced frames.
func (p *TTSProcessor) noteFirstAudio(streamID string, drained int) {
	if drained == 0 {
		return
	}
	p.logger.Debug("tts results drained",
		slog.String("stream_id", streamID),
		slog.Int("count", drained))
	if p.obs == nil {
		return
	}
	traceID := p.getTrace(streamID)
	p.mu.Lock()
	if p.first[streamID] {
		p.mu.Unlock()
		return
	}
	p.first[streamID] = true
	p.mu.Unlock()
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: "tts_first_audio",
		Time: time.Now(),
		Tags: p.baseTags(streamID, traceID),
	})
}

func (p *TTSProcessor) setTrace(streamID, traceID string) {
	if traceID == "" {
		return
	}
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *TTSProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}

func clipTTSText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}

func (p *TTSProcessor) baseTags(streamID, traceID string) map[string]string {
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "tts"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if callSID := p.callSIDForStream(streamID); callSID != "" {
		tags[frames.MetaCallSID] = callSID
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	return tags
}

func (p *TTSProcessor) callSIDForStream(streamID string) string {
	if streamID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCall[streamID]
}

func (p *TTSProcessor) recordBreaker(name, streamID string) {
	if p.obs == nil {
		return
	}
	traceID := p.getTrace(streamID)
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: p.baseTags(streamID, traceID),
	})
}

func (p *TTSProcessor) recordRateLimit(err error, streamID string) {
	if err == nil {
		return
	}
	if resilience.IsRateLimit(err) {
		p.recordBreaker(metrics.EventRateLimit, streamID)
	}
}

func (p *TTSProcessor) setBreakerOpen(open bool, streamID string) {
	if p.open == open {
		return
	}
	p.open = open
	if open {
		p.recordBreaker(metrics.EventBreakerOpen, streamID)
		return
	}
	p.recordBreaker(metrics.EventBreakerClose, streamID)
}

var _ pipeline.FrameProcessor = (*TTSProcessor)(nil)
