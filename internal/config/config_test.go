package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.QuietPeriodMs != 1000 {
		t.Errorf("expected default quiet period 1000ms, got %d", cfg.Engine.QuietPeriodMs)
	}
	if cfg.HandoffWindow() != 5*time.Minute {
		t.Errorf("expected default handoff window 5m, got %v", cfg.HandoffWindow())
	}
}

func TestLoad_OverridesAndDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
engine:
  quiet_period_ms: 500
responder:
  provider: anthropic
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected default json format, got %q", cfg.Log.Format)
	}
	if cfg.QuietPeriod() != 500*time.Millisecond {
		t.Errorf("expected 500ms quiet period, got %v", cfg.QuietPeriod())
	}
	if cfg.Responder.Provider != "anthropic" {
		t.Errorf("expected anthropic provider, got %q", cfg.Responder.Provider)
	}
	if cfg.Responder.MaxAttempts != 3 {
		t.Errorf("expected default 3 attempts, got %d", cfg.Responder.MaxAttempts)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_RESPONDER_KEY", "sk-test-123")
	path := writeConfig(t, `
responder:
  api_key: ${TEST_RESPONDER_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Responder.APIKey != "sk-test-123" {
		t.Errorf("env expansion failed, got %q", cfg.Responder.APIKey)
	}
}

func TestLoad_InvalidProvider(t *testing.T) {
	path := writeConfig(t, `
responder:
  provider: gemini
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestLoad_InvalidReconnectRange(t *testing.T) {
	path := writeConfig(t, `
reconnect:
  initial_ms: 5000
  max_ms: 1000
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for max < initial")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
