package convis

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Turn.Strategy != "aggressive" {
		t.Fatalf("turn.strategy = %q, want aggressive", cfg.Turn.Strategy)
	}
	if cfg.Turn.MinInterruptWords != 2 {
		t.Fatalf("turn.min_interrupt_words = %d, want 2", cfg.Turn.MinInterruptWords)
	}
	if cfg.Engine.SampleRate != 8000 {
		t.Fatalf("engine.samplerate = %d, want 8000", cfg.Engine.SampleRate)
	}
	if cfg.Context.MaxHistory != 10 {
		t.Fatalf("context.max_history = %d, want 10", cfg.Context.MaxHistory)
	}
	if cfg.Recovery.MaxAttempts != 2 {
		t.Fatalf("recovery.max_attempts = %d, want 2", cfg.Recovery.MaxAttempts)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatal("privacy.redact_pii should default to true")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DG_KEY", "secret-123")
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${TEST_DG_KEY}
      model: nova-2
  tts:
    provider: mock
  llm:
    provider: mock
greeting: Hello from ${TEST_DG_KEY}
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "secret-123" {
		t.Fatalf("api_key = %v, want secret-123", got)
	}
	if cfg.Greeting != "Hello from secret-123" {
		t.Fatalf("greeting = %q", cfg.Greeting)
	}
}

func TestLoadConfigRejectsMissingProviders(t *testing.T) {
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for missing llm provider")
	}
}

func TestLoadConfigRejectsBadStrategy(t *testing.T) {
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
turn:
  strategy: rude
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for unknown turn strategy")
	}
}

func TestBuildTransportMock(t *testing.T) {
	cfg := minimalConfig()
	tr, err := BuildTransport(cfg)
	if err != nil {
		t.Fatalf("build transport: %v", err)
	}
	if tr == nil {
		t.Fatal("nil transport")
	}
}

func TestBuildTransportUnknownProvider(t *testing.T) {
	cfg := minimalConfig()
	cfg.Transports.Provider = "carrier_pigeon"
	if _, err := BuildTransport(cfg); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestBuildTransportTwilioRequiresCredentials(t *testing.T) {
	cfg := minimalConfig()
	cfg.Transports.Provider = "twilio"
	cfg.Transports.Settings = map[string]any{"public_url": "example.ngrok.io"}
	if _, err := BuildTransport(cfg); err == nil {
		t.Fatal("expected error for missing twilio credentials")
	}
}
