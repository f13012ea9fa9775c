package convis

import (
	"testing"
)

func minimalConfig() Config {
	return Config{
		Transports: TransportsConfig{Provider: "mock"},
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock"},
			TTS: VendorConfig{Provider: "mock"},
			LLM: VendorConfig{Provider: "mock"},
		},
	}
}

func TestResolveUsesConfiguredProvider(t *testing.T) {
	reg := DefaultProviderRegistry()
	cfg := minimalConfig()

	factory, name, err := reg.ResolveSTT(cfg, "trace-1")
	if err != nil {
		t.Fatalf("resolve stt: %v", err)
	}
	if name != "mock" {
		t.Fatalf("resolved stt = %q, want mock", name)
	}
	if factory == nil {
		t.Fatal("nil stt factory")
	}
}

func TestResolveFallsBackToMockOnUnknownProvider(t *testing.T) {
	reg := DefaultProviderRegistry()
	cfg := minimalConfig()
	cfg.Vendors.STT.Provider = "nonexistent"
	cfg.Vendors.TTS.Provider = "nonexistent"
	cfg.Vendors.LLM.Provider = "nonexistent"

	_, sttName, err := reg.ResolveSTT(cfg, "trace-1")
	if err != nil {
		t.Fatalf("resolve stt: %v", err)
	}
	if sttName != "mock" {
		t.Fatalf("resolved stt = %q, want mock", sttName)
	}

	_, ttsName, err := reg.ResolveTTS(cfg)
	if err != nil {
		t.Fatalf("resolve tts: %v", err)
	}
	if ttsName != "mock" {
		t.Fatalf("resolved tts = %q, want mock", ttsName)
	}

	adapter, llmName, err := reg.ResolveLLM(cfg)
	if err != nil {
		t.Fatalf("resolve llm: %v", err)
	}
	if llmName != "mock" {
		t.Fatalf("resolved llm = %q, want mock", llmName)
	}
	if adapter == nil {
		t.Fatal("nil llm adapter")
	}
}

func TestResolveFallsBackWhenCredentialsMissing(t *testing.T) {
	reg := DefaultProviderRegistry()
	cfg := minimalConfig()
	// Deepgram is registered but the settings lack api_key and model, so the
	// resolver has to walk past it.
	cfg.Vendors.STT.Provider = "deepgram"
	cfg.Vendors.STT.Settings = map[string]any{"language": "en"}

	_, name, err := reg.ResolveSTT(cfg, "trace-1")
	if err != nil {
		t.Fatalf("resolve stt: %v", err)
	}
	if name == "deepgram" {
		t.Fatal("deepgram must not build without credentials")
	}
	if name != "mock" {
		t.Fatalf("resolved stt = %q, want mock", name)
	}
}

func TestResolveDoesNotLeakForeignSettings(t *testing.T) {
	reg := DefaultProviderRegistry()
	cfg := minimalConfig()
	// elevenlabs settings would be rejected by every other provider's schema.
	// Fallback candidates must build with their own defaults instead.
	cfg.Vendors.TTS.Provider = "elevenlabs"
	cfg.Vendors.TTS.Settings = map[string]any{"voice_id": "abc"}

	_, name, err := reg.ResolveTTS(cfg)
	if err != nil {
		t.Fatalf("resolve tts: %v", err)
	}
	if name != "mock" {
		t.Fatalf("resolved tts = %q, want mock", name)
	}
}

func TestBuildSTTFactoryUnknownProvider(t *testing.T) {
	reg := NewProviderRegistry()
	if _, err := reg.BuildSTTFactory("deepgram", minimalConfig(), "trace-1"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}
