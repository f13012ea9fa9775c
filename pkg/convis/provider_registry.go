package convis

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/stt"
	"github.com/PsiTechC/Convis-1-sub000/pkg/adapters/tts"
	"github.com/PsiTechC/Convis-1-sub000/pkg/llm"
)

type STTFactoryBuilder func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error)
type TTSFactoryBuilder func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error)
type LLMFactory func(cfg Config) (llm.LLMAdapter, error)

// Default fallback order per role. When the configured provider is unknown or
// fails to build (missing credential, bad settings), the resolver walks this
// chain before the first audio frame and logs the substitution. The mock
// providers sit last so a dev config without any credentials still answers.
var (
	defaultSTTChain = []string{"deepgram", "whisper", "openai_realtime", "mock"}
	defaultTTSChain = []string{"elevenlabs", "openai_tts", "mock"}
	defaultLLMChain = []string{"openai", "mock"}
)

type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
	tts map[string]TTSFactoryBuilder
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactoryBuilder),
		tts: make(map[string]TTSFactoryBuilder),
		llm: make(map[string]LLMFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactoryBuilder) {
	r.tts[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
	fn := r.stt[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg, traceID)
}

func (r *ProviderRegistry) BuildTTSFactory(provider string, cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
	fn := r.tts[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.LLMAdapter, error) {
	fn := r.llm[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg)
}

// ResolveSTT builds the configured recognizer, falling back down the default
// chain when the configured one cannot be built. Fallback candidates build
// with empty settings since the configured settings belong to another
// provider's schema. Returns the factory and the resolved provider name.
func (r *ProviderRegistry) ResolveSTT(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, string, error) {
	configured := strings.ToLower(strings.TrimSpace(cfg.Vendors.STT.Provider))
	var lastErr error
	for _, name := range candidates(configured, defaultSTTChain) {
		cfgFor := cfg
		if name != configured {
			cfgFor.Vendors.STT.Settings = nil
		}
		factory, err := r.BuildSTTFactory(name, cfgFor, traceID)
		if err != nil {
			lastErr = err
			logSubstitution("stt", configured, name, err)
			continue
		}
		return factory, name, nil
	}
	return nil, "", fmt.Errorf("no usable stt provider: %w", lastErr)
}

func (r *ProviderRegistry) ResolveTTS(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, string, error) {
	configured := strings.ToLower(strings.TrimSpace(cfg.Vendors.TTS.Provider))
	var lastErr error
	for _, name := range candidates(configured, defaultTTSChain) {
		cfgFor := cfg
		if name != configured {
			cfgFor.Vendors.TTS.Settings = nil
		}
		factory, err := r.BuildTTSFactory(name, cfgFor)
		if err != nil {
			lastErr = err
			logSubstitution("tts", configured, name, err)
			continue
		}
		return factory, name, nil
	}
	return nil, "", fmt.Errorf("no usable tts provider: %w", lastErr)
}

func (r *ProviderRegistry) ResolveLLM(cfg Config) (llm.LLMAdapter, string, error) {
	configured := strings.ToLower(strings.TrimSpace(cfg.Vendors.LLM.Provider))
	var lastErr error
	for _, name := range candidates(configured, defaultLLMChain) {
		cfgFor := cfg
		if name != configured {
			cfgFor.Vendors.LLM.Settings = nil
		}
		adapter, err := r.BuildLLM(name, cfgFor)
		if err != nil {
			lastErr = err
			logSubstitution("llm", configured, name, err)
			continue
		}
		return adapter, name, nil
	}
	return nil, "", fmt.Errorf("no usable llm provider: %w", lastErr)
}

// candidates puts the configured name first and appends the default chain,
// deduplicated.
func candidates(configured string, chain []string) []string {
	out := make([]string, 0, len(chain)+1)
	seen := make(map[string]bool, len(chain)+1)
	add := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	add(configured)
	for _, name := range chain {
		add(name)
	}
	return out
}

func logSubstitution(role, requested, failed string, err error) {
	slog.Warn("provider_unavailable",
		"role", role,
		"requested", requested,
		"candidate", failed,
		"error", err.Error(),
	)
}
