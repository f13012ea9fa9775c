package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/errorsx"
	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/llm"
	"github.com/PsiTechC/Convis-1-sub000/pkg/metrics"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
	"github.com/PsiTechC/Convis-1-sub000/pkg/redact"
	"github.com/PsiTechC/Convis-1-sub000/pkg/resilience"
)

const defaultLLMScope = "default"

// defaultMaxTurns bounds conversation history to the most recent exchanges.
// The system message is pinned and never counted against the budget.
const defaultMaxTurns = 10

const fallbackLine = "I'm sorry, I'm having trouble responding right now. Could you say that again?"

// LLMProcessor turns final user transcripts into streamed assistant replies.
// Each final transcript opens a new turn: the processor bumps the stream's
// sequence id, emits a start_interruption control so stale playback gets cut,
// and tags every token frame of the reply with the turn's sequence id so
// downstream stages can discard superseded work.
type LLMProcessor struct {
	adapter         llm.LLMAdapter
	system          string
	messagesByScope map[string][]map[string]any
	mu              sync.Mutex
	ctx             context.Context
	obs             metrics.Observer
	seq             *frames.SeqGen
	lastCallSID     map[string]string
	maxTurns        int
	maxTokens       int
}

func NewLLMProcessor(adapter llm.LLMAdapter, system string) *LLMProcessor {
	return &LLMProcessor{
		adapter:         adapter,
		system:          system,
		messagesByScope: make(map[string][]map[string]any),
		ctx:             context.Background(),
		seq:             frames.NewSeqGen(),
		lastCallSID:     make(map[string]string),
		maxTurns:        defaultMaxTurns,
	}
}

func (p *LLMProcessor) Name() string { return "llm" }

func (p *LLMProcessor) SetObserver(obs metrics.Observer) {
	p.obs = obs
	if setter, ok := p.adapter.(interface{ SetObserver(metrics.Observer) }); ok {
		setter.SetObserver(obs)
	}
}

func (p *LLMProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// SetSystemPrompt replaces the pinned system message for new and existing
// scopes.
func (p *LLMProcessor) SetSystemPrompt(system string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.system = system
	for scope, msgs := range p.messagesByScope {
		if len(msgs) > 0 {
			if role, _ := msgs[0]["role"].(string); role == "system" {
				msgs[0]["content"] = system
				continue
			}
		}
		p.messagesByScope[scope] = append([]map[string]any{{"role": "system", "content": system}}, msgs...)
	}
}

func (p *LLMProcessor) SetMemoryLimits(maxTurns, maxTokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if maxTurns < 0 {
		maxTurns = 0
	}
	if maxTokens < 0 {
		maxTokens = 0
	}
	p.maxTurns = maxTurns
	p.maxTokens = maxTokens
}

func (p *LLMProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindSystem {
		sf := f.(frames.SystemFrame)
		meta := sf.Meta()
		scope := p.scopeKey(meta, meta[frames.MetaStreamID])
		if sf.Name() == "call_end" {
			p.clearCall(meta)
			return []frames.Frame{f}, nil
		}
		if greet := meta[frames.MetaGreetingText]; greet != "" {
			streamID := meta[frames.MetaStreamID]
			seq := p.seq.Next(streamID)
			meta[frames.MetaSource] = "llm"
			meta[frames.MetaSequenceID] = frames.FormatSeq(seq)
			meta[frames.MetaTTSFlush] = "true"
			p.appendAssistant(scope, greet)
			return []frames.Frame{frames.NewTextFrame(streamID, sf.PTS(), greet, meta)}, nil
		}
		return []frames.Frame{f}, nil
	}
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	streamID := meta[frames.MetaStreamID]
	p.setCallSIDFromMeta(meta)

	// Only final user transcripts open a turn. Interims, our own output and
	// assistant-side transcripts from duplex recognizers pass straight
	// through.
	if meta[frames.MetaIsFinal] != "true" || meta[frames.MetaSource] == "llm" || meta[frames.MetaRole] == "assistant" {
		return []frames.Frame{f}, nil
	}
	text := strings.TrimSpace(tf.Text())
	if text == "" {
		return nil, nil
	}

	scope := p.scopeKey(meta, streamID)
	seq := p.seq.Next(streamID)
	seqStr := frames.FormatSeq(seq)
	meta[frames.MetaSequenceID] = seqStr

	slog.Info("llm_input_received",
		"stream_id", streamID,
		"sequence_id", seqStr,
		"text", redact.Text(text))

	input := p.contextWithUser(text, scope)
	out := []frames.Frame{
		frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlStartInterruption, meta),
	}

	ch, err := p.adapter.Stream(p.ctx, input)
	if err != nil {
		reason := errorsx.ReasonLLMStream
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonLLMRateLimit
		}
		err = errorsx.Wrap(err, reason)
		slog.Error("llm_stream_error",
			"stream_id", streamID,
			"reason_code", string(errorsx.Reason(err)),
			"error", err)
		// Streaming is down. Try a one-shot generation with backoff before
		// giving up on the turn.
		resp, rerr := llm.Retry(p.ctx, llm.RetryConfig{MaxAttempts: 2}, func(ctx context.Context) (llm.Response, error) {
			return p.adapter.Generate(ctx, input)
		})
		if rerr == nil && strings.TrimSpace(resp.Text) != "" {
			p.appendAssistant(scope, resp.Text)
			spoken := tf.Meta()
			spoken[frames.MetaSource] = "llm"
			spoken[frames.MetaSequenceID] = seqStr
			spoken[frames.MetaTTSFlush] = "true"
			p.record("llm_done", streamID, meta[frames.MetaTraceID])
			return append(out, frames.NewTextFrame(streamID, time.Now().UnixNano(), resp.Text, spoken)), nil
		}
		if rerr != nil {
			rerr = errorsx.Wrap(rerr, errorsx.ReasonLLMGenerate)
			slog.Error("llm_generate_error",
				"stream_id", streamID,
				"reason_code", string(errorsx.Reason(rerr)),
				"error", rerr)
		}
		p.popLastMessage(scope)
		return append(out, p.fallbackFrames(streamID, meta)...), nil
	}
	return append(out, p.streamToFrames(tf, ch, seqStr)...), nil
}

// fallbackFrames keeps the caller engaged when generation fails: a spoken
// apology plus a fallback control for the provider registry.
func (p *LLMProcessor) fallbackFrames(streamID string, meta map[string]string) []frames.Frame {
	now := time.Now().UnixNano()
	spoken := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "llm",
		frames.MetaTTSFlush: "true",
	}
	if meta != nil {
		if callSID := meta[frames.MetaCallSID]; callSID != "" {
			spoken[frames.MetaCallSID] = callSID
		}
		if traceID := meta[frames.MetaTraceID]; traceID != "" {
			spoken[frames.MetaTraceID] = traceID
		}
		if seq := meta[frames.MetaSequenceID]; seq != "" {
			spoken[frames.MetaSequenceID] = seq
		}
	}
	return []frames.Frame{
		frames.NewControlFrame(streamID, now, frames.ControlFallback, meta),
		frames.NewTextFrame(streamID, now, fallbackLine, spoken),
	}
}

func (p *LLMProcessor) contextWithUser(text, scope string) llm.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	msgs = append(msgs, map[string]any{"role": "user", "content": text})
	msgs = p.pruneMessagesLocked(msgs)
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
	return llm.Context{Messages: cloneMessages(msgs)}
}

func (p *LLMProcessor) scopeKey(meta map[string]string, streamID string) string {
	if meta != nil {
		if callSID := strings.TrimSpace(meta[frames.MetaCallSID]); callSID != "" {
			return "call:" + callSID
		}
		if sid := strings.TrimSpace(meta[frames.MetaStreamID]); sid != "" {
			return "stream:" + sid
		}
	}
	if streamID != "" {
		return "stream:" + streamID
	}
	return defaultLLMScope
}

func scopeKeyOrDefault(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return defaultLLMScope
	}
	return scope
}

func (p *LLMProcessor) ensureMessagesLocked(scope string) []map[string]any {
	scope = scopeKeyOrDefault(scope)
	msgs, ok := p.messagesByScope[scope]
	if !ok {
		if p.system != "" {
			msgs = []map[string]any{{"role": "system", "content": p.system}}
		} else {
			msgs = []map[string]any{}
		}
		p.messagesByScope[scope] = msgs
	}
	return msgs
}

func (p *LLMProcessor) setCallSIDFromMeta(meta map[string]string) {
	if meta == nil {
		return
	}
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]
	if streamID == "" || callSID == "" {
		return
	}
	p.mu.Lock()
	p.lastCallSID[streamID] = callSID
	p.mu.Unlock()
}

func (p *LLMProcessor) clearCall(meta map[string]string) {
	if meta == nil {
		return
	}
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]
	p.mu.Lock()
	delete(p.lastCallSID, streamID)
	if streamID != "" {
		delete(p.messagesByScope, "stream:"+streamID)
	}
	if callSID != "" {
		delete(p.messagesByScope, "call:"+callSID)
	}
	p.mu.Unlock()
	if streamID != "" {
		p.seq.Forget(streamID)
	}
}

func (p *LLMProcessor) pruneMessagesLocked(messages []map[string]any) []map[string]any {
	if len(messages) == 0 {
		return messages
	}
	if p.maxTurns > 0 {
		// A turn is one user message plus one assistant reply.
		messages = pruneByHistory(messages, p.maxTurns*2)
	}
	if p.maxTokens > 0 {
		messages = pruneByTokens(messages, p.maxTokens)
	}
	return messages
}

func pruneByHistory(messages []map[string]any, maxHistory int) []map[string]any {
	if maxHistory <= 0 {
		return messages
	}
	nonSystem := nonSystemIndices(messages)
	if len(nonSystem) <= maxHistory {
		return messages
	}
	toDrop := len(nonSystem) - maxHistory
	drop := make(map[int]struct{}, toDrop)
	for i := 0; i < toDrop; i++ {
		drop[nonSystem[i]] = struct{}{}
	}
	filtered := make([]map[string]any, 0, len(messages)-toDrop)
	for idx, msg := range messages {
		if _, ok := drop[idx]; ok {
			continue
		}
		filtered = append(filtered, msg)
	}
	return filtered
}

func pruneByTokens(messages []map[string]any, maxTokens int) []map[string]any {
	if maxTokens <= 0 {
		return messages
	}
	for {
		total := estimateMessagesTokens(messages)
		if total <= maxTokens {
			return messages
		}
		nonSystem := nonSystemIndices(messages)
		if len(nonSystem) == 0 {
			return messages
		}
		dropIdx := nonSystem[0]
		filtered := make([]map[string]any, 0, len(messages)-1)
		for i, msg := range messages {
			if i == dropIdx {
				continue
			}
			filtered = append(filtered, msg)
		}
		messages = filtered
	}
}

func nonSystemIndices(messages []map[string]any) []int {
	out := make([]int, 0, len(messages))
	for i, msg := range messages {
		if role, _ := msg["role"].(string); strings.ToLower(role) != "system" {
			out = append(out, i)
		}
	}
	return out
}

func estimateMessagesTokens(messages []map[string]any) int {
	total := 0
	for _, msg := range messages {
		if v, ok := msg["content"].(string); ok {
			total += len(strings.Fields(v))
		}
	}
	return total
}

func (p *LLMProcessor) streamToFrames(src frames.TextFrame, ch <-chan string, seqStr string) []frames.Frame {
	var out []frames.Frame
	var full strings.Builder
	first := true
	streamID := src.Meta()[frames.MetaStreamID]
	scope := p.scopeKey(src.Meta(), streamID)
	emit := func(text string, flush bool) {
		meta := src.Meta()
		meta[frames.MetaSource] = "llm"
		meta[frames.MetaSequenceID] = seqStr
		if flush {
			meta[frames.MetaTTSFlush] = "true"
		}
		out = append(out, frames.NewTextFrame(streamID, time.Now().UnixNano(), text, meta))
	}
	for tok := range ch {
		full.WriteString(tok)
		if first {
			first = false
			p.record("llm_first_token", streamID, src.Meta()[frames.MetaTraceID])
		}
		emit(tok, false)
	}
	// Empty flush frame marks turn end so the chunker and synthesizer can
	// release whatever they are holding.
	emit("", true)
	p.appendAssistant(scope, full.String())
	p.recordWithFields("llm_output_text", streamID, src.Meta()[frames.MetaTraceID], map[string]any{"text": redact.Text(full.String())})
	p.record("llm_done", streamID, src.Meta()[frames.MetaTraceID])
	return out
}

func (p *LLMProcessor) appendAssistant(scope, text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	msgs = append(msgs, map[string]any{"role": "assistant", "content": text})
	msgs = p.pruneMessagesLocked(msgs)
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
}

func (p *LLMProcessor) contextSnapshot(scope string) llm.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	return llm.Context{Messages: cloneMessages(msgs)}
}

func (p *LLMProcessor) popLastMessage(scope string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.ensureMessagesLocked(scope)
	if len(msgs) == 0 {
		return
	}
	msgs = msgs[:len(msgs)-1]
	p.messagesByScope[scopeKeyOrDefault(scope)] = msgs
}

func cloneMessages(in []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, m := range in {
		c := make(map[string]any, len(m))
		for k, v := range m {
			c[k] = v
		}
		out = append(out, c)
	}
	return out
}

var _ pipeline.FrameProcessor = (*LLMProcessor)(nil)

func (p *LLMProcessor) record(name, streamID, traceID string) {
	p.recordWithFields(name, streamID, traceID, nil)
}

func (p *LLMProcessor) recordWithFields(name, streamID, traceID string, fields map[string]any) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "llm"}
	if traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if callSID := p.callSIDForStream(streamID); callSID != "" {
		tags[frames.MetaCallSID] = callSID
	}
	if p.adapter != nil {
		tags["provider"] = p.adapter.Name()
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}

func (p *LLMProcessor) callSIDForStream(streamID string) string {
	if streamID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCallSID[streamID]
}
