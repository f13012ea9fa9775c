package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/stt"
	"github.com/PsiTechC/Convis-1-sub000/pkg/audio"
	"github.com/PsiTechC/Convis-1-sub000/pkg/errorsx"
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/metrics"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
	"github.com/PsiTechC/Convis-1-sub000/pkg/redact"
	"github.com/PsiTechC/Convis-1-sub000/pkg/resilience"
)

// STTProcessor owns one recognizer session per stream. Inbound audio is
// transcoded to the recognizer's native format, buffered for replay across
// reconnects, and recognition results are drained inline so transcripts ride
// the same pipeline tick as the audio that produced them.
type STTProcessor struct {
	mu             sync.Mutex
	sessions       map[string]stt.StreamingSTT
	factory        func(callSID, streamID string) stt.StreamingSTT
	callStream     map[string]string
	streamCall     map[string]string
	replayCfg      STTReplayConfig
	replay         map[string]*audioReplayBuffer
	ctx            context.Context
	obs            metrics.Observer
	from           map[string]string
	trace          map[string]string
	retry          resilience.RetryPolicy
	breaker        *resilience.CircuitBreaker
	interimLogged  map[string]bool
	forwardInterim bool
	provider       string
	breakerOpen    bool

	targetEncoding string
	targetRate     int
}

// UtteranceFlusher is implemented by buffered recognizers that can force out
// a pending utterance when the transport signals end of call. The return
// reports whether an utterance was actually handed to the recognizer.
type UtteranceFlusher interface {
	FlushUtterance() bool
}

// flushResultWait bounds how long a forced flush waits for the
// recognizer's round trip before the call is allowed to finish.
const flushResultWait = 5 * time.Second

type STTReplayConfig struct {
	MaxChunks int
}

type audioChunk struct {
	data     []byte
	rate     int
	channels int
}

// audioReplayBuffer holds the newest MaxChunks of audio for a stream.
// On reconnect the buffer is replayed into the fresh session so the
// recognizer does not lose the utterance in flight when the old
// connection died.
type audioReplayBuffer struct {
	maxChunks int
	chunks    []audioChunk
}

func newAudioReplayBuffer(maxChunks int) *audioReplayBuffer {
	if maxChunks < 0 {
		maxChunks = 0
	}
	return &audioReplayBuffer{maxChunks: maxChunks}
}

func (b *audioReplayBuffer) Add(chunk audioChunk) {
	if b == nil || b.maxChunks <= 0 {
		return
	}
	b.chunks = append(b.chunks, chunk)
	if len(b.chunks) > b.maxChunks {
		b.chunks = b.chunks[len(b.chunks)-b.maxChunks:]
	}
}

func (b *audioReplayBuffer) Snapshot() []audioChunk {
	if b == nil || len(b.chunks) == 0 {
		return nil
	}
	out := make([]audioChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

func NewSTTProcessor(factory func(callSID, streamID string) stt.StreamingSTT) *STTProcessor {
	return &STTProcessor{
		sessions:      make(map[string]stt.StreamingSTT),
		factory:       factory,
		callStream:    make(map[string]string),
		streamCall:    make(map[string]string),
		replayCfg:     STTReplayConfig{MaxChunks: 50},
		replay:        make(map[string]*audioReplayBuffer),
		from:          make(map[string]string),
		trace:         make(map[string]string),
		retry:         resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:       resilience.NewCircuitBreaker(3, 30*time.Second),
		interimLogged: make(map[string]bool),
	}
}

// SetAudioTarget declares the encoding and sample rate the recognizer wants.
// Empty encoding means forward frames untouched.
func (p *STTProcessor) SetAudioTarget(encoding string, rate int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetEncoding = encoding
	p.targetRate = rate
}

// SetReplayBuffer configures how many recent audio chunks to replay on reconnect.
func (p *STTProcessor) SetReplayBuffer(cfg STTReplayConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MaxChunks < 0 {
		cfg.MaxChunks = 0
	}
	p.replayCfg = cfg
	if cfg.MaxChunks == 0 {
		p.replay = make(map[string]*audioReplayBuffer)
	}
}

// SetForwardInterim toggles emitting interim text frames downstream.
func (p *STTProcessor) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardInterim = enabled
}

func (p *STTProcessor) Name() string { return "stt_processor" }

func (p *STTProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *STTProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *STTProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		return p.handleSystem(f.(frames.SystemFrame)), nil
	case frames.KindControl:
		return p.handleControl(f.(frames.ControlFrame)), nil
	case frames.KindAudio:
		return p.handleAudio(f.(frames.AudioFrame))
	}
	return []frames.Frame{f}, nil
}

func (p *STTProcessor) handleSystem(sf frames.SystemFrame) []frames.Frame {
	meta := sf.Meta()
	if sf.Name() == "call_end" {
		streamID := meta[frames.MetaStreamID]
		if streamID == "" {
			streamID = p.streamForCall(meta[frames.MetaCallSID])
		}
		if streamID != "" {
			p.CloseStream(streamID)
		}
	}
	return []frames.Frame{sf}
}

// handleControl reacts to flushes from the transport side: a buffered
// recognizer is told to hand over whatever it is still holding, and the
// result rides out behind the flush itself.
func (p *STTProcessor) handleControl(cf frames.ControlFrame) []frames.Frame {
	meta := cf.Meta()
	if cf.Code() != frames.ControlFlush || meta[frames.MetaSource] == "stt" {
		return []frames.Frame{cf}
	}
	streamID := meta[frames.MetaStreamID]
	p.mu.Lock()
	sess := p.sessions[streamID]
	p.mu.Unlock()
	fl, ok := sess.(UtteranceFlusher)
	if !ok {
		return []frames.Frame{cf}
	}
	out := []frames.Frame{cf}
	if fl.FlushUtterance() {
		// Buffered recognizers transcribe over HTTP; wait out the round
		// trip so the trailing utterance still reaches the transcript.
		return append(out, p.awaitResults(sess.Results(), streamID, flushResultWait)...)
	}
	return append(out, p.drainResults(sess.Results(), streamID)...)
}

func (p *STTProcessor) handleAudio(af frames.AudioFrame) ([]frames.Frame, error) {
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]
	p.trackCallStream(callSID, streamID)
	if v := meta[frames.MetaFromNumber]; v != "" {
		p.setFrom(streamID, v)
	}
	if v := meta[frames.MetaTraceID]; v != "" {
		p.setTrace(streamID, v)
	}
	raw := frames.Frame(af)

	converted, ok := p.transcode(af, streamID)
	if !ok {
		frames.ReleaseAudioFrame(raw)
		return nil, nil
	}
	p.addReplay(streamID, converted)

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID)
		p.setBreakerOpen(true, streamID)
		slog.Info("stt_circuit_open", "stream_id", streamID, "reason_code", string(errorsx.ReasonSTTCircuitOpen))
		frames.ReleaseAudioFrame(raw)
		return p.fallback(streamID, meta), nil
	}
	p.setBreakerOpen(false, streamID)

	sttSession, err := p.getOrCreate(streamID, callSID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		slog.Info("stt_session_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.recordRateLimit(err, streamID)
		p.breaker.OnError(err)
		frames.ReleaseAudioFrame(raw)
		return p.fallback(streamID, meta), nil
	}
	p.setProviderFromSession(sttSession)
	p.record("stt_audio_in", streamID)

	if sendErr := p.sendWithReconnect(sttSession, converted, streamID, callSID); sendErr != nil {
		p.recordRateLimit(sendErr, streamID)
		p.breaker.OnError(sendErr)
		frames.ReleaseAudioFrame(raw)
		return p.fallback(streamID, meta), nil
	}
	p.breaker.OnSuccess()
	frames.ReleaseAudioFrame(raw)

	// Heartbeat keeps the pipeline clock moving even when nothing was
	// recognized this tick.
	out := []frames.Frame{frames.NewSystemFrame(streamID, converted.PTS(), "heartbeat", nil)}
	out = append(out, p.drainResults(sttSession.Results(), streamID)...)
	out = p.attachFrom(out, streamID)
	for _, e := range out {
		if e.Kind() == frames.KindText && e.Meta()[frames.MetaIsFinal] == "true" {
			p.record("stt_final", streamID)
			break
		}
	}
	return out, nil
}

// sendWithReconnect pushes one chunk to the recognizer. On failure the
// session is rebuilt and the replay buffer streamed in before the chunk
// is retried, so the recognizer picks up mid-utterance.
func (p *STTProcessor) sendWithReconnect(sess stt.StreamingSTT, af frames.AudioFrame, streamID, callSID string) error {
	err := sess.SendAudio(af)
	if err == nil {
		return nil
	}
	err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
	slog.Info("stt_send_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())

	replayed := false
	retryErr := p.retry.Do(func() error {
		p.CloseStream(streamID)
		fresh, cerr := p.getOrCreate(streamID, callSID)
		if cerr != nil {
			return cerr
		}
		if !replayed {
			p.replayToSession(streamID, fresh)
			replayed = true
		}
		return fresh.SendAudio(af)
	})
	if retryErr == nil {
		return nil
	}
	retryErr = errorsx.Wrap(retryErr, errorsx.ReasonSTTRetry)
	slog.Info("stt_retry_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(retryErr)), "error", retryErr.Error())
	return retryErr
}

func (p *STTProcessor) fallback(streamID string, meta map[string]string) []frames.Frame {
	return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}
}

// transcode converts one inbound chunk to the recognizer's native format.
// Malformed chunks are dropped with a log line, never fatal.
func (p *STTProcessor) transcode(af frames.AudioFrame, streamID string) (frames.AudioFrame, bool) {
	p.mu.Lock()
	wantEnc := p.targetEncoding
	wantRate := p.targetRate
	p.mu.Unlock()
	if wantEnc == "" {
		return af, true
	}
	meta := af.Meta()
	haveEnc := meta[frames.MetaEncoding]
	if haveEnc == "" {
		haveEnc = frames.EncodingPCM16
	}
	if haveEnc == wantEnc && (wantRate == 0 || wantRate == af.Rate()) {
		return af, true
	}

	pcm := af.RawPayload()
	rate := af.Rate()
	if haveEnc == frames.EncodingMuLaw {
		pcm = audio.MuLawToLinear16(pcm)
	}
	if wantRate != 0 && wantRate != rate {
		var err error
		pcm, err = audio.Resample(pcm, rate, wantRate)
		if err != nil {
			slog.Warn("stt_transcode_drop", "stream_id", streamID, "error", err.Error())
			return af, false
		}
		rate = wantRate
	}
	if wantEnc == frames.EncodingMuLaw {
		var err error
		pcm, err = audio.Linear16ToMuLaw(pcm)
		if err != nil {
			slog.Warn("stt_transcode_drop", "stream_id", streamID, "error", err.Error())
			return af, false
		}
	}
	meta[frames.MetaEncoding] = wantEnc
	return frames.NewAudioFrame(streamID, af.PTS(), pcm, rate, af.Channels(), meta), true
}

func (p *STTProcessor) getOrCreate(streamID, callSID string) (stt.StreamingSTT, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sttSession, ok := p.sessions[streamID]; ok {
		return sttSession, nil
	}
	sttSession := p.factory(callSID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := sttSession.Start(p.ctx); err != nil {
		return nil, err
	}
	p.sessions[streamID] = sttSession
	return sttSession, nil
}

func (p *STTProcessor) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sttSession, ok := p.sessions[streamID]; ok {
		_ = sttSession.Close()
		delete(p.sessions, streamID)
	}
	if callSID := p.streamCall[streamID]; callSID != "" {
		if p.callStream[callSID] == streamID {
			delete(p.callStream, callSID)
		}
		delete(p.streamCall, streamID)
	}
	delete(p.from, streamID)
	delete(p.trace, streamID)
	delete(p.replay, streamID)
}

func (p *STTProcessor) streamForCall(callSID string) string {
	if callSID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callStream[callSID]
}

func (p *STTProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sttSession := range p.sessions {
		_ = sttSession.Close()
		delete(p.sessions, id)
	}
	p.from = make(map[string]string)
	p.trace = make(map[string]string)
	p.callStream = make(map[string]string)
	p.streamCall = make(map[string]string)
	p.replay = make(map[string]*audioReplayBuffer)
}

// drainResults empties the recognizer's output channel without
// blocking.
func (p *STTProcessor) drainResults(ch <-chan frames.Frame, streamID string) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, p.filterResult(f, streamID)...)
		default:
			return out
		}
	}
}

// awaitResults blocks until the recognizer hands back a final
// transcript or the wait expires, then empties whatever is left.
func (p *STTProcessor) awaitResults(ch <-chan frames.Frame, streamID string, wait time.Duration) []frames.Frame {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, p.filterResult(f, streamID)...)
			if f.Kind() == frames.KindText && f.Meta()[frames.MetaIsFinal] == "true" {
				return append(out, p.drainResults(ch, streamID)...)
			}
		case <-timer.C:
			return append(out, p.drainResults(ch, streamID)...)
		}
	}
}

// filterResult applies the interim-forwarding policy to one recognizer
// frame. Interim transcripts are logged once per stream and only
// forwarded when configured; everything else passes straight through.
func (p *STTProcessor) filterResult(f frames.Frame, streamID string) []frames.Frame {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}
	}
	tf := f.(frames.TextFrame)
	if tf.Meta()[frames.MetaIsFinal] == "true" {
		p.logFinal(streamID, tf.Text())
		return []frames.Frame{tf}
	}
	p.logInterim(streamID, tf.Text())
	p.mu.Lock()
	forward := p.forwardInterim
	p.mu.Unlock()
	if forward {
		return []frames.Frame{tf}
	}
	return nil
}

func (p *STTProcessor) trackCallStream(callSID, streamID string) {
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

func (p *STTProcessor) record(name, streamID string) {
	p.recordWithFields(name, streamID, nil)
}

func (p *STTProcessor) recordWithFields(name, streamID string, fields map[string]any) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "stt"}
	if traceID := p.getTrace(streamID); traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if callSID := p.getCallSID(streamID); callSID != "" {
		tags[frames.MetaCallSID] = callSID
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}

func (p *STTProcessor) getCallSID(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCall[streamID]
}

func (p *STTProcessor) addReplay(streamID string, af frames.AudioFrame) {
	if streamID == "" {
		return
	}
	chunk := audioChunk{
		data:     append([]byte(nil), af.RawPayload()...),
		rate:     af.Rate(),
		channels: af.Channels(),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replayCfg.MaxChunks <= 0 {
		return
	}
	buf := p.replay[streamID]
	if buf == nil {
		buf = newAudioReplayBuffer(p.replayCfg.MaxChunks)
		p.replay[streamID] = buf
	}
	buf.Add(chunk)
}

func (p *STTProcessor) replayToSession(streamID string, sess stt.StreamingSTT) {
	if sess == nil || streamID == "" {
		return
	}
	p.mu.Lock()
	buf := p.replay[streamID]
	p.mu.Unlock()
	for _, chunk := range buf.Snapshot() {
		if len(chunk.data) == 0 {
			continue
		}
		af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), chunk.data, chunk.rate, chunk.channels, nil)
		_ = sess.SendAudio(af)
	}
}

func (p *STTProcessor) recordRateLimit(err error, streamID string) {
	if err != nil && resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID)
	}
}

func (p *STTProcessor) setProviderFromSession(sess stt.StreamingSTT) {
	if sess == nil || p.provider != "" {
		return
	}
	p.provider = sess.Name()
}

func (p *STTProcessor) setBreakerOpen(open bool, streamID string) {
	if p.breakerOpen == open {
		return
	}
	p.breakerOpen = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID)
		return
	}
	p.record(metrics.EventBreakerClose, streamID)
}

func (p *STTProcessor) setFrom(streamID, from string) {
	p.mu.Lock()
	p.from[streamID] = from
	p.mu.Unlock()
}

func (p *STTProcessor) setTrace(streamID, traceID string) {
	p.mu.Lock()
	p.trace[streamID] = traceID
	p.mu.Unlock()
}

func (p *STTProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trace[streamID]
}

// attachFrom stamps the caller number and trace onto transcripts that
// left the recognizer without them.
func (p *STTProcessor) attachFrom(framesIn []frames.Frame, streamID string) []frames.Frame {
	p.mu.Lock()
	from := p.from[streamID]
	traceID := p.trace[streamID]
	p.mu.Unlock()
	if from == "" && traceID == "" {
		return framesIn
	}
	out := make([]frames.Frame, 0, len(framesIn))
	for _, f := range framesIn {
		if f.Kind() != frames.KindText {
			out = append(out, f)
			continue
		}
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaFromNumber] == "" {
			meta[frames.MetaFromNumber] = from
		}
		if meta[frames.MetaTraceID] == "" && traceID != "" {
			meta[frames.MetaTraceID] = traceID
		}
		out = append(out, frames.NewTextFrame(streamID, tf.PTS(), tf.Text(), meta))
	}
	return out
}

func (p *STTProcessor) logInterim(streamID, text string) {
	p.mu.Lock()
	if p.interimLogged[streamID] {
		p.mu.Unlock()
		return
	}
	p.interimLogged[streamID] = true
	traceID := p.trace[streamID]
	p.mu.Unlock()
	slog.Info("stt_interim", "stream_id", streamID, "trace_id", traceID, "text", clipText(redact.Text(text)))
}

func (p *STTProcessor) logFinal(streamID, text string) {
	traceID := p.getTrace(streamID)
	safe := redact.Text(text)
	slog.Info("stt_final", "stream_id", streamID, "trace_id", traceID, "text", clipText(safe))
	p.recordWithFields("stt_final_text", streamID, map[string]any{"text": safe})
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}

var _ pipeline.FrameProcessor = (*STTProcessor)(nil)
