package convis

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/PsiTechC/Convis-1-sub000/pkg/pipeline"
	"github.com/spf13/viper"
)

type Config struct {
	Pipeline      pipeline.Config       `mapstructure:"pipeline"`
	Engine        pipeline.EngineConfig `mapstructure:"engine"`
	Vendors       VendorsConfig         `mapstructure:"vendors"`
	Transports    TransportsConfig      `mapstructure:"transports"`
	STT           STTProcessingConfig   `mapstructure:"stt"`
	Turn          TurnConfig            `mapstructure:"turn"`
	Context       ContextConfig         `mapstructure:"context"`
	Recovery      RecoveryConfig        `mapstructure:"recovery"`
	Limiter       LimiterConfig         `mapstructure:"limiter"`
	Environment   string                `mapstructure:"environment"`
	LogLevel      string                `mapstructure:"log_level"`
	LogFormat     string                `mapstructure:"log_format"`
	BasePrompt    string                `mapstructure:"base_prompt"`
	Greeting      string                `mapstructure:"greeting"`
	Observability ObservabilityConfig   `mapstructure:"observability"`
	Privacy       PrivacyConfig         `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type STTProcessingConfig struct {
	ForwardInterim bool `mapstructure:"forward_interim"`
	// Replacements normalizes recognized domain terms before they reach the
	// turn generator ("a c" -> "AC").
	Replacements map[string]string `mapstructure:"replacements"`
}

type TurnConfig struct {
	// Strategy is "aggressive" (barge-in allowed) or "polite".
	Strategy string `mapstructure:"strategy"`
	// MinInterruptWords is the word count a final transcript needs to cut
	// off playback. Shorter finals are backchannel noise.
	MinInterruptWords int `mapstructure:"min_interrupt_words"`
	// FillerPath points at a raw or base64 mu-law clip played while the
	// generator thinks. Empty disables the filler.
	FillerPath      string                `mapstructure:"filler_path"`
	SilenceReprompt SilenceRepromptConfig `mapstructure:"silence_reprompt"`
}

type SilenceRepromptConfig struct {
	TimeoutMS   int    `mapstructure:"timeout_ms"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	PromptText  string `mapstructure:"prompt_text"`
}

type ContextConfig struct {
	MaxHistory int `mapstructure:"max_history"`
	MaxTokens  int `mapstructure:"max_tokens"`
}

type RecoveryConfig struct {
	MaxAttempts int      `mapstructure:"max_attempts"`
	PromptText  string   `mapstructure:"prompt_text"`
	Phrases     []string `mapstructure:"phrases"`
}

type LimiterConfig struct {
	MaxChars     int `mapstructure:"max_chars"`
	MaxSentences int `mapstructure:"max_sentences"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RecordAudio   bool   `mapstructure:"record_audio"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("pipeline.async", true)
	v.SetDefault("pipeline.stagebuffer", 128)
	v.SetDefault("pipeline.highcapacity", 256)
	v.SetDefault("pipeline.lowcapacity", 512)
	v.SetDefault("pipeline.fairnessratio", 3)
	v.SetDefault("pipeline.backpressure", "drop")
	v.SetDefault("engine.samplerate", 8000)
	v.SetDefault("engine.stt_replay_chunks", 50)
	v.SetDefault("stt.forward_interim", false)
	v.SetDefault("turn.strategy", "aggressive")
	v.SetDefault("turn.min_interrupt_words", 2)
	v.SetDefault("turn.silence_reprompt.timeout_ms", 0)
	v.SetDefault("turn.silence_reprompt.max_attempts", 0)
	v.SetDefault("turn.silence_reprompt.prompt_text", "")
	v.SetDefault("context.max_history", 10)
	v.SetDefault("context.max_tokens", 0)
	v.SetDefault("recovery.max_attempts", 2)
	v.SetDefault("limiter.max_chars", 0)
	v.SetDefault("limiter.max_sentences", 0)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_audio", false)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		Pipeline struct {
			Async         bool   `mapstructure:"async"`
			StageBuffer   int    `mapstructure:"stagebuffer"`
			HighCapacity  int    `mapstructure:"highcapacity"`
			LowCapacity   int    `mapstructure:"lowcapacity"`
			FairnessRatio int    `mapstructure:"fairnessratio"`
			Backpressure  string `mapstructure:"backpressure"`
		} `mapstructure:"pipeline"`
		Engine        pipeline.EngineConfig `mapstructure:"engine"`
		Vendors       VendorsConfig         `mapstructure:"vendors"`
		Transports    TransportsConfig      `mapstructure:"transports"`
		STT           STTProcessingConfig   `mapstructure:"stt"`
		Turn          TurnConfig            `mapstructure:"turn"`
		Context       ContextConfig         `mapstructure:"context"`
		Recovery      RecoveryConfig        `mapstructure:"recovery"`
		Limiter       LimiterConfig         `mapstructure:"limiter"`
		Environment   string                `mapstructure:"environment"`
		LogLevel      string                `mapstructure:"log_level"`
		LogFormat     string                `mapstructure:"log_format"`
		BasePrompt    string                `mapstructure:"base_prompt"`
		Greeting      string                `mapstructure:"greeting"`
		Observability ObservabilityConfig   `mapstructure:"observability"`
		Privacy       PrivacyConfig         `mapstructure:"privacy"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := Config{
		Pipeline: pipeline.Config{
			Async:         raw.Pipeline.Async,
			StageBuffer:   raw.Pipeline.StageBuffer,
			HighCapacity:  raw.Pipeline.HighCapacity,
			LowCapacity:   raw.Pipeline.LowCapacity,
			FairnessRatio: raw.Pipeline.FairnessRatio,
			Backpressure:  parseBackpressure(raw.Pipeline.Backpressure),
		},
		Engine:        raw.Engine,
		Vendors:       raw.Vendors,
		Transports:    raw.Transports,
		STT:           raw.STT,
		Turn:          raw.Turn,
		Context:       raw.Context,
		Recovery:      raw.Recovery,
		Limiter:       raw.Limiter,
		Environment:   raw.Environment,
		LogLevel:      raw.LogLevel,
		LogFormat:     raw.LogFormat,
		BasePrompt:    raw.BasePrompt,
		Greeting:      raw.Greeting,
		Observability: raw.Observability,
		Privacy:       raw.Privacy,
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Turn.Strategy)) {
	case "", "aggressive", "polite":
	default:
		return fmt.Errorf("turn.strategy must be aggressive or polite, got %s", c.Turn.Strategy)
	}
	if c.Turn.MinInterruptWords < 0 {
		return fmt.Errorf("turn.min_interrupt_words must not be negative")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}

func parseBackpressure(v string) pipeline.BackpressureMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wait":
		return pipeline.BackpressureWait
	case "drop", "":
		return pipeline.BackpressureDrop
	default:
		if n, err := strconv.Atoi(v); err == nil {
			return pipeline.BackpressureMode(n)
		}
	}
	return pipeline.BackpressureDrop
}
