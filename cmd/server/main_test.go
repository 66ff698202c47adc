package main

import (
	"os"
	"path/filepath"
	"testing"

	"avatar-mixer/server/internal/telemetry"
)

func noEnv(string) string {
	return ""
}

func TestLoadConfigFlagsOverrideEnvironment(t *testing.T) {
	env := map[string]string{
		"MIXER_MAX_KBPS": "100",
		"MIXER_LISTEN":   ":9000",
	}
	getenv := func(key string) string {
		return env[key]
	}
	cfg, err := loadConfig([]string{"--max-kbps", "28.8", "--throttle", "0.5"}, getenv, telemetry.LoggerFunc(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mixer.MaxKbpsPerNode != 28.8 {
		t.Fatalf("expected flag to win, got %v", cfg.Mixer.MaxKbpsPerNode)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("expected env listen address, got %q", cfg.Listen)
	}
	if cfg.Mixer.ThrottlingRatio != 0.5 {
		t.Fatalf("expected throttling 0.5, got %v", cfg.Mixer.ThrottlingRatio)
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixer.yaml")
	if err := os.WriteFile(path, []byte("mixer:\n  tickRate: 30\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := loadConfig([]string{"-c", path}, noEnv, telemetry.LoggerFunc(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mixer.TickRate != 30 {
		t.Fatalf("expected tick rate 30, got %d", cfg.Mixer.TickRate)
	}
}

func TestLoadConfigLogJSONEnablesSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	cfg, err := loadConfig([]string{"--log-json", path}, noEnv, telemetry.LoggerFunc(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Logging.JSONPath != path {
		t.Fatalf("expected json path %q, got %q", path, cfg.Logging.JSONPath)
	}
	if !containsSink(cfg.Logging.Sinks, "json") {
		t.Fatalf("expected json sink enabled, got %v", cfg.Logging.Sinks)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	if _, err := loadConfig([]string{"--tick-rate", "0"}, noEnv, telemetry.LoggerFunc(nil)); err == nil {
		t.Fatalf("expected zero tick rate to be rejected")
	}
	if _, err := loadConfig([]string{"--compression", "brotli"}, noEnv, telemetry.LoggerFunc(nil)); err == nil {
		t.Fatalf("expected unknown compression to be rejected")
	}
}
