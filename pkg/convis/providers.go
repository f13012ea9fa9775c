package convis

import (
	"fmt"
	"time"

	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/stt"
	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/tts"
	"github.com/PsiTechC/Convis-1-sub000/pkg/configutil"
	"github.com/PsiTechC/Convis-1-sub000/pkg/llm"
	"github.com/PsiTechC/Convis-1-sub000/pkg/providers/deepgram"
	"github.com/PsiTechC/Convis-1-sub000/pkg/providers/elevenlabs"
	"github.com/PsiTechC/Convis-1-sub000/pkg/providers/mock"
	"github.com/PsiTechC/Convis-1-sub000/pkg/providers/openai"
	"github.com/PsiTechC/Convis-1-sub000/pkg/providers/openaireal"
	"github.com/PsiTechC/Convis-1-sub000/pkg/providers/openaitts"
	"github.com/PsiTechC/Convis-1-sub000/pkg/providers/whisper"
	"github.com/PsiTechC/Convis-1-sub000/pkg/resilience"
)

type deepgramSettings struct {
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	Language         string `mapstructure:"language"`
	SampleRate       int    `mapstructure:"sample_rate"`
	Encoding         string `mapstructure:"encoding"`
	Interim          *bool  `mapstructure:"interim"`
	VADEvents        *bool  `mapstructure:"vad_events"`
	EchoCancellation *bool  `mapstructure:"echo_cancellation"`
	UtteranceEndMS   *int   `mapstructure:"utterance_end_ms"`
}

type whisperSettings struct {
	APIKey          string  `mapstructure:"api_key"`
	BaseURL         string  `mapstructure:"base_url"`
	Model           string  `mapstructure:"model"`
	Language        string  `mapstructure:"language"`
	SampleRate      int     `mapstructure:"sample_rate"`
	EnergyThreshold float64 `mapstructure:"energy_threshold"`
	SilenceMs       int     `mapstructure:"silence_ms"`
	MinSpeechMs     int     `mapstructure:"min_speech_ms"`
}

type realtimeSettings struct {
	APIKey       string  `mapstructure:"api_key"`
	Model        string  `mapstructure:"model"`
	Voice        string  `mapstructure:"voice"`
	Instructions string  `mapstructure:"instructions"`
	Temperature  float64 `mapstructure:"temperature"`
	BaseURL      string  `mapstructure:"base_url"`
}

type elevenlabsSettings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	SampleRate   int    `mapstructure:"sample_rate"`
}

type openAITTSSettings struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Voice      string `mapstructure:"voice"`
	SampleRate int    `mapstructure:"sample_rate"`
}

type openAISettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int    `mapstructure:"circuit_cooldown_ms"`
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       *bool  `mapstructure:"emit_interim"`
	EmitVAD           *bool  `mapstructure:"emit_vad"`
	EmitUtteranceEnd  *bool  `mapstructure:"emit_utterance_end"`
	FlushTranscript   string `mapstructure:"flush_transcript"`
	FlushDelayMs      int    `mapstructure:"flush_delay_ms"`
}

type mockTTSSettings struct {
	EmitAudioReady *bool `mapstructure:"emit_audio_ready"`
	SampleRate     int   `mapstructure:"sample_rate"`
	Channels       int   `mapstructure:"channels"`
}

type mockLLMSettings struct {
	ResponseText string   `mapstructure:"response_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
}

// DefaultProviderRegistry registers every built-in provider. Callers can
// register more or overwrite entries before handing the registry to the engine.
func DefaultProviderRegistry() *ProviderRegistry {
	reg := NewProviderRegistry()
	registerSTTProviders(reg)
	registerTTSProviders(reg)
	registerLLMProviders(reg)
	return reg
}

func registerSTTProviders(reg *ProviderRegistry) {
	reg.RegisterSTT("deepgram", func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"language", "sample_rate", "encoding", "interim", "vad_events", "echo_cancellation", "utterance_end_ms"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.stt.settings.model"); err != nil {
			return nil, err
		}
		if settings.SampleRate == 0 {
			settings.SampleRate = sampleRateOrDefault(cfg)
		}
		if settings.Language == "" {
			settings.Language = "en"
		}
		if settings.Encoding == "" {
			settings.Encoding = "mulaw"
		}
		if settings.Encoding != "mulaw" && settings.Encoding != "linear16" {
			return nil, fmt.Errorf("vendors.stt.settings.encoding must be one of [linear16, mulaw], got %s", settings.Encoding)
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 400)
		if utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		interim := configutil.BoolValue(settings.Interim, true)
		vadEvents := configutil.BoolValue(settings.VADEvents, true)
		echoCancellation := configutil.BoolValue(settings.EchoCancellation, true)

		return func(callSID, streamID string) stt.StreamingSTT {
			return deepgram.New(deepgram.Config{
				APIKey:     settings.APIKey,
				Model:      settings.Model,
				Language:   settings.Language,
				SampleRate: settings.SampleRate,
				Encoding:   settings.Encoding,
				Interim:    interim,
				VADEvents:  vadEvents,
				StreamID:   streamID,
				CallSID:    callSID,
				TraceID:    traceID,
				Params: deepgram.DeepgramParams{
					EchoCancellation: echoCancellation,
					UtteranceEndMS:   utteranceEnd,
				},
			})
		}, nil
	})

	reg.RegisterSTT("whisper", func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"base_url", "model", "language", "sample_rate", "energy_threshold", "silence_ms", "min_speech_ms"},
		}); err != nil {
			return nil, err
		}
		var settings whisperSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		return func(callSID, streamID string) stt.StreamingSTT {
			return whisper.New(whisper.Config{
				APIKey:          settings.APIKey,
				BaseURL:         settings.BaseURL,
				Model:           settings.Model,
				Language:        settings.Language,
				SampleRate:      settings.SampleRate,
				StreamID:        streamID,
				CallSID:         callSID,
				TraceID:         traceID,
				EnergyThreshold: settings.EnergyThreshold,
				SilenceMs:       settings.SilenceMs,
				MinSpeechMs:     settings.MinSpeechMs,
			})
		}, nil
	})

	reg.RegisterSTT("openai_realtime", func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "voice", "instructions", "temperature", "base_url"},
		}); err != nil {
			return nil, err
		}
		var settings realtimeSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		instructions := settings.Instructions
		if instructions == "" {
			instructions = cfg.BasePrompt
		}
		return func(callSID, streamID string) stt.StreamingSTT {
			return openaireal.New(openaireal.Config{
				APIKey:       settings.APIKey,
				Model:        settings.Model,
				Voice:        settings.Voice,
				Instructions: instructions,
				Temperature:  settings.Temperature,
				BaseURL:      settings.BaseURL,
				StreamID:     streamID,
				CallSID:      callSID,
				TraceID:      traceID,
			})
		}, nil
	})

	reg.RegisterSTT("mock", func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"transcript", "interim_transcript", "emit_interim", "emit_vad", "emit_utterance_end", "flush_transcript", "flush_delay_ms"},
		}); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		emitInterim := configutil.BoolValue(settings.EmitInterim, false)
		emitVAD := configutil.BoolValue(settings.EmitVAD, false)
		emitUtteranceEnd := configutil.BoolValue(settings.EmitUtteranceEnd, false)
		return func(callSID, streamID string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{
				StreamID:          streamID,
				CallSID:           callSID,
				TraceID:           traceID,
				Transcript:        settings.Transcript,
				InterimTranscript: settings.InterimTranscript,
				EmitInterim:       emitInterim,
				EmitVAD:           emitVAD,
				EmitUtteranceEnd:  emitUtteranceEnd,
				FlushTranscript:   settings.FlushTranscript,
				FlushDelay:        time.Duration(settings.FlushDelayMs) * time.Millisecond,
			})
		}, nil
	})
}

func registerTTSProviders(reg *ProviderRegistry) {
	reg.RegisterTTS("elevenlabs", func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "sample_rate"},
		}); err != nil {
			return nil, err
		}
		var settings elevenlabsSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		if settings.OutputFormat == "" {
			settings.OutputFormat = "ulaw_8000"
		}
		if settings.SampleRate == 0 {
			settings.SampleRate = sampleRateOrDefault(cfg)
		}
		return func(callSID, streamID string) tts.StreamingTTS {
			return elevenlabs.New(elevenlabs.Config{
				APIKey:       settings.APIKey,
				VoiceID:      settings.VoiceID,
				ModelID:      settings.ModelID,
				OutputFormat: settings.OutputFormat,
				SampleRate:   settings.SampleRate,
				StreamID:     streamID,
				CallSID:      callSID,
			})
		}, nil
	})

	reg.RegisterTTS("openai_tts", func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"base_url", "model", "voice", "sample_rate"},
		}); err != nil {
			return nil, err
		}
		var settings openAITTSSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if settings.SampleRate == 0 {
			settings.SampleRate = sampleRateOrDefault(cfg)
		}
		return func(callSID, streamID string) tts.StreamingTTS {
			return openaitts.New(openaitts.Config{
				APIKey:     settings.APIKey,
				BaseURL:    settings.BaseURL,
				Model:      settings.Model,
				Voice:      settings.Voice,
				StreamID:   streamID,
				CallSID:    callSID,
				SampleRate: settings.SampleRate,
			})
		}, nil
	})

	reg.RegisterTTS("mock", func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
		if err := validateSettings("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"emit_audio_ready", "sample_rate", "channels"},
		}); err != nil {
			return nil, err
		}
		var settings mockTTSSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, err
		}
		sampleRate := settings.SampleRate
		if sampleRate == 0 {
			sampleRate = sampleRateOrDefault(cfg)
		}
		channels := settings.Channels
		if channels == 0 {
			channels = 1
		}
		emitAudioReady := configutil.BoolValue(settings.EmitAudioReady, false)
		return func(callSID, streamID string) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{
				StreamID:       streamID,
				CallSID:        callSID,
				SampleRate:     sampleRate,
				Channels:       channels,
				EmitAudioReady: emitAudioReady,
			})
		}, nil
	})
}

func registerLLMProviders(reg *ProviderRegistry) {
	reg.RegisterLLM("openai", func(cfg Config) (llm.LLMAdapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"base_url", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"},
		}); err != nil {
			return nil, err
		}
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.llm.settings.model"); err != nil {
			return nil, err
		}
		adapter := openai.NewAdapter(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			adapter.BaseURL = settings.BaseURL
		}
		if !configutil.BoolValue(settings.UseCircuitBreaker, true) {
			return adapter, nil
		}
		threshold := settings.CircuitThreshold
		if threshold == 0 {
			threshold = 3
		}
		cooldown := settings.CircuitCooldownMs
		if cooldown == 0 {
			cooldown = 30000
		}
		breaker := resilience.NewCircuitBreaker(threshold, time.Duration(cooldown)*time.Millisecond)
		return llm.NewCircuitBreakerAdapter(adapter, breaker), nil
	})

	reg.RegisterLLM("mock", func(cfg Config) (llm.LLMAdapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: []string{"response_text", "stream_chunks"},
		}); err != nil {
			return nil, err
		}
		var settings mockLLMSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewLLMAdapter(mock.LLMConfig{
			ResponseText: settings.ResponseText,
			StreamChunks: settings.StreamChunks,
		}), nil
	})
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func sampleRateOrDefault(cfg Config) int {
	if cfg.Engine.SampleRate > 0 {
		return cfg.Engine.SampleRate
	}
	return 8000
}
