package convis

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/frames"
	"github.com/PsiTechC/Convis-1-sub000/pkg/logging"
	"github.com/PsiTechC/Convis-1-sub000/pkg/metrics"
	"github.com/PsiTechC/Convis-1-sub000/pkg/observers"
	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
	"github.com/PsiTechC/Convis-1-sub000/pkg/playback"
	"github.com/PsiTechC/Convis-1-sub000/pkg/processors"
	"github.com/PsiTechC/Convis-1-sub000/pkg/redact"
	"github.com/PsiTechC/Convis-1-sub000/pkg/runner"
	"github.com/PsiTechC/Convis-1-sub000/pkg/transcript"
	"github.com/PsiTechC/Convis-1-sub000/pkg/transports"
	"github.com/PsiTechC/Convis-1-sub000/pkg/turn"
)

type Engine struct {
	cfg         Config
	registry    *pipeline.SessionRegistry
	transport   transports.Transport
	providers   *ProviderRegistry
	runner      *pipeline.Runner
	asyncObs    *metrics.AsyncObserver
	transcripts *transcript.Store
	ctx         context.Context
	cancel      context.CancelFunc

	onTranscript func(*transcript.Recorder)
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	// OnTranscript is called with the completed conversation log when a
	// call ends.
	OnTranscript func(*transcript.Recorder)
	// Optional extension points.
	PreProcessors   []pipeline.FrameProcessor
	BeforeLLM       []pipeline.FrameProcessor
	BeforeTTS       []pipeline.FrameProcessor
	PostProcessors  []pipeline.FrameProcessor
	SilenceReprompt *processors.SilenceRepromptConfig
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("convis_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)

	pipeline.LogConfiguration(cfg.Engine)
	latencyObs := observers.NewLatencyObserver(slog.Default())
	logObs := observers.NewLoggerObserver(slog.Default())
	var timelineObs *observers.TimelineObserver
	var costObs *observers.CostObserver
	obsList := []metrics.Observer{latencyObs, logObs}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		timelineObs = observers.NewTimelineObserver(dir)
		costObs = observers.NewCostObserver(dir)
		obsList = append(obsList, timelineObs, costObs)
	}
	multiObs := observers.NewMultiObserver(obsList...)
	asyncObs := metrics.NewAsyncObserver(multiObs, 2048)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}

	transcripts := transcript.NewStore()

	var sink func(frames.Frame)
	if opts.Transport != nil {
		sink = func(f frames.Frame) {
			if asyncObs != nil && f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				meta := f.Meta()
				fields := map[string]any{
					"sample_rate": af.Rate(),
					"channels":    af.Channels(),
				}
				if cfg.Observability.RecordAudio {
					fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
				}
				tags := map[string]string{
					"stream_id":        meta[frames.MetaStreamID],
					frames.MetaTraceID: meta[frames.MetaTraceID],
					frames.MetaCallSID: meta[frames.MetaCallSID],
					"component":        "transport",
				}
				asyncObs.RecordEvent(metrics.MetricsEvent{
					Name:   "audio_out",
					Time:   time.Now(),
					Tags:   tags,
					Fields: fields,
				})
			}
			_ = opts.Transport.Send(f)
		}
	}

	registry := pipeline.NewSessionRegistry(func(ctx context.Context, callSID, streamID, traceID string) (pipeline.Orchestrator, error) {
		// Providers resolve once per call, before the first audio frame.
		sttFactory, sttName, err := providers.ResolveSTT(cfg, traceID)
		if err != nil {
			return nil, err
		}
		llmAdapter, llmName, err := providers.ResolveLLM(cfg)
		if err != nil {
			return nil, err
		}
		ttsFactory, ttsName, err := providers.ResolveTTS(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("providers_resolved",
			"call_sid", callSID,
			"stt", sttName,
			"tts", ttsName,
			"llm", llmName,
		)

		rec := transcript.NewRecorder(callSID)
		rec.SetProviders(transcript.Providers{STT: sttName, TTS: ttsName, LLM: llmName})
		transcripts.Put(rec)

		sttProc := processors.NewSTTProcessor(sttFactory)
		if enc, rate := audioTargetFor(sttName, cfg); enc != "" {
			sttProc.SetAudioTarget(enc, rate)
		}
		sttProc.SetForwardInterim(cfg.STT.ForwardInterim)
		sttProc.SetReplayBuffer(processors.STTReplayConfig{MaxChunks: cfg.Engine.STTReplayChunks})
		sttProc.SetObserver(asyncObs)
		sttProc.SetContext(ctx)

		turnProc := processors.NewTurnProcessorWithConfig(turnStrategy(cfg), processors.TurnProcessorConfig{
			MinInterruptWords: cfg.Turn.MinInterruptWords,
		})
		if opts.SilenceReprompt != nil {
			turnProc.SetSilenceReprompt(opts.SilenceReprompt)
		} else if reprompt := silenceRepromptFromConfig(cfg); reprompt != nil {
			turnProc.SetSilenceReprompt(reprompt)
		}

		llmProc := processors.NewLLMProcessor(llmAdapter, cfg.BasePrompt)
		if cfg.Context.MaxHistory > 0 || cfg.Context.MaxTokens > 0 {
			llmProc.SetMemoryLimits(cfg.Context.MaxHistory, cfg.Context.MaxTokens)
		}
		llmProc.SetObserver(asyncObs)
		llmProc.SetContext(ctx)

		ttsProc := processors.NewTTSProcessor(ttsFactory)
		ttsProc.SetObserver(asyncObs)
		ttsProc.SetContext(ctx)

		tracker := playback.NewTracker()
		tracker.SetObserver(asyncObs)
		tracker.SetTurnManager(turnProc.Manager())

		recovery := processors.NewRecoveryProcessor(processors.RecoveryConfig{
			MaxAttempts: cfg.Recovery.MaxAttempts,
			PromptText:  cfg.Recovery.PromptText,
			Phrases:     cfg.Recovery.Phrases,
		})

		builder := pipeline.NewVoiceAgentBuilder()
		for _, p := range opts.PreProcessors {
			if p != nil {
				builder = builder.WithAcoustic(p)
			}
		}
		builder = builder.WithSTT(sttProc)
		builder = builder.WithProcessor(processors.NewDTMFDisambiguator(processors.DTMFDisambiguatorConfig{PreferDTMF: true}))
		if len(cfg.STT.Replacements) > 0 {
			builder = builder.WithProcessor(processors.NewTextNormalizer(processors.TextNormalizerConfig{
				Replacements: cfg.STT.Replacements,
			}))
		}
		builder = builder.WithTurnManager(turnProc)
		if path := strings.TrimSpace(cfg.Turn.FillerPath); path != "" {
			builder = builder.WithFiller(processors.NewFillerProcessor(path))
		}
		builder = builder.WithProcessorList(opts.BeforeLLM).
			WithLLM(llmProc).
			WithProcessor(recovery).
			WithProcessor(processors.NewSentenceChunker())
		if cfg.Limiter.MaxChars > 0 || cfg.Limiter.MaxSentences > 0 {
			builder = builder.WithProcessor(processors.NewResponseLimiter(processors.ResponseLimiterConfig{
				MaxChars:     cfg.Limiter.MaxChars,
				MaxSentences: cfg.Limiter.MaxSentences,
			}))
		}
		builder = builder.WithProcessor(transcript.NewProcessor(rec)).
			WithProcessorList(opts.BeforeTTS).
			WithTTS(ttsProc).
			WithProcessor(tracker)
		for _, p := range opts.PostProcessors {
			if p != nil {
				builder = builder.WithSerializer(p)
			}
		}

		orch := builder.Build(cfg.Pipeline)
		orch.SetContext(ctx)
		orch.SetObserver(asyncObs)
		if sink != nil {
			orch.SetSink(sink)
		}

		go func() {
			<-ctx.Done()
			sttProc.CloseAll()
			ttsProc.CloseAll()
		}()

		return orch, nil
	})

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Convis Engine Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if costObs != nil {
				_ = costObs.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", registry.Count())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = registry.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})

	lr := pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:          cfg,
		registry:     registry,
		transport:    opts.Transport,
		providers:    providers,
		runner:       lr,
		asyncObs:     asyncObs,
		transcripts:  transcripts,
		ctx:          ctx,
		cancel:       cancel,
		onTranscript: opts.OnTranscript,
	}
}

// audioTargetFor maps a resolved recognizer to the encoding and rate its
// sessions expect on the wire. Empty encoding means no transcoding.
func audioTargetFor(provider string, cfg Config) (string, int) {
	switch provider {
	case "whisper":
		return frames.EncodingPCM16, 16000
	case "deepgram":
		enc, _ := cfg.Vendors.STT.Settings["encoding"].(string)
		if enc == "" {
			enc = frames.EncodingMuLaw
		}
		rate := sampleRateOrDefault(cfg)
		if v, ok := cfg.Vendors.STT.Settings["sample_rate"].(int); ok && v > 0 {
			rate = v
		}
		return enc, rate
	case "openai_realtime":
		return frames.EncodingMuLaw, 8000
	default:
		return "", 0
	}
}

func turnStrategy(cfg Config) turn.Strategy {
	if strings.EqualFold(strings.TrimSpace(cfg.Turn.Strategy), "polite") {
		return turn.PoliteStrategy{}
	}
	return turn.AggressiveStrategy{}
}

func silenceRepromptFromConfig(cfg Config) *processors.SilenceRepromptConfig {
	sr := cfg.Turn.SilenceReprompt
	if sr.TimeoutMS == 0 && sr.MaxAttempts == 0 && sr.PromptText == "" {
		return nil
	}
	return &processors.SilenceRepromptConfig{
		Timeout:     time.Duration(sr.TimeoutMS) * time.Millisecond,
		MaxAttempts: sr.MaxAttempts,
		PromptText:  sr.PromptText,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			callSID := meta[frames.MetaCallSID]
			streamID := meta[frames.MetaStreamID]
			traceID := meta[frames.MetaTraceID]
			if callSID == "" || streamID == "" {
				continue
			}
			if e.asyncObs != nil && f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				fields := map[string]any{
					"sample_rate": af.Rate(),
					"channels":    af.Channels(),
				}
				if e.cfg.Observability.RecordAudio {
					fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
				}
				tags := map[string]string{
					frames.MetaStreamID: streamID,
					frames.MetaTraceID:  traceID,
					frames.MetaCallSID:  callSID,
					"component":         "transport",
				}
				e.asyncObs.RecordEvent(metrics.MetricsEvent{
					Name:   "audio_in",
					Time:   time.Now(),
					Tags:   tags,
					Fields: fields,
				})
			}
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				if sf.Name() == "call_end" {
					if sess, ok := e.registry.Get(callSID); ok {
						nonBlockingSend(sess.Orch.In(), f)
					}
					e.finishCall(callSID)
					continue
				}
			}
			sess, _, err := e.registry.GetOrCreate(callSID, streamID, traceID)
			if err != nil {
				slog.Error("session_create_failed", "call_sid", callSID, "error", err.Error())
				continue
			}
			nonBlockingSend(sess.Orch.In(), f)
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				if sf.Name() == "call_start" && strings.TrimSpace(e.cfg.Greeting) != "" {
					greetMeta := map[string]string{
						frames.MetaStreamID:     streamID,
						frames.MetaCallSID:      callSID,
						frames.MetaTraceID:      traceID,
						frames.MetaGreetingText: e.cfg.Greeting,
					}
					greeting := frames.NewSystemFrame(streamID, time.Now().UnixNano(), "greeting", greetMeta)
					nonBlockingSend(sess.Orch.In(), greeting)
				}
			}
		}
	}
}

// finishCall tears the session down and hands the transcript off.
func (e *Engine) finishCall(callSID string) {
	e.registry.Remove(callSID)
	rec := e.transcripts.Take(callSID)
	if rec == nil {
		return
	}
	slog.Info("call_transcript_ready",
		"call_sid", callSID,
		"entries", rec.Len(),
		"duration", time.Since(rec.Started()).Round(time.Millisecond).String(),
	)
	if e.onTranscript != nil {
		e.onTranscript(rec)
	}
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

func SetDefaultLogger(level, format string) {
	slog.SetDefault(logging.Setup(level, format))
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *pipeline.SessionRegistry {
	return e.registry
}

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
