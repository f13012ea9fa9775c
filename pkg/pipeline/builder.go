package pipeline

// VoiceAgentBuilder assembles the per-call processor chain in three
// bands: pre (raw audio conditioning before recognition), core (the
// stt -> turn -> llm -> tts spine plus whatever sits between), and post
// (serialization toward the transport). Within a band, order of the
// With calls is the order frames flow.
type VoiceAgentBuilder struct {
	pre  []FrameProcessor
	core []FrameProcessor
	post []FrameProcessor
}

func NewVoiceAgentBuilder() *VoiceAgentBuilder {
	return &VoiceAgentBuilder{}
}

// WithProcessor appends any stage to the core band.
func (b *VoiceAgentBuilder) WithProcessor(p FrameProcessor) *VoiceAgentBuilder {
	b.core = append(b.core, p)
	return b
}

// WithProcessorList appends a batch, skipping nils so callers can pass
// optional hook slices straight through.
func (b *VoiceAgentBuilder) WithProcessorList(list []FrameProcessor) *VoiceAgentBuilder {
	for _, p := range list {
		if p != nil {
			b.core = append(b.core, p)
		}
	}
	return b
}

// The named variants below are WithProcessor with intent. They exist so
// the engine's assembly code reads as the pipeline diagram.

func (b *VoiceAgentBuilder) WithSTT(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

func (b *VoiceAgentBuilder) WithLLM(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

func (b *VoiceAgentBuilder) WithTTS(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

func (b *VoiceAgentBuilder) WithTurnManager(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

func (b *VoiceAgentBuilder) WithFiller(p FrameProcessor) *VoiceAgentBuilder {
	return b.WithProcessor(p)
}

// WithAcoustic runs before recognition, on raw inbound audio.
func (b *VoiceAgentBuilder) WithAcoustic(p FrameProcessor) *VoiceAgentBuilder {
	b.pre = append(b.pre, p)
	return b
}

// WithSerializer runs last, shaping frames for the wire.
func (b *VoiceAgentBuilder) WithSerializer(p FrameProcessor) *VoiceAgentBuilder {
	b.post = append(b.post, p)
	return b
}

func (b *VoiceAgentBuilder) Build(cfg Config) Orchestrator {
	procs := make([]FrameProcessor, 0, len(b.pre)+len(b.core)+len(b.post))
	procs = append(procs, b.pre...)
	procs = append(procs, b.core...)
	procs = append(procs, b.post...)
	return NewWithPipelineConfig(PipelineConfig{Config: cfg, Processors: procs})
}
