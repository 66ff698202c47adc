package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"avatar-mixer/server/internal/telemetry"
	"avatar-mixer/server/logging"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
	if cfg.Mixer.TickRate != 45 {
		t.Fatalf("expected 45 ticks per second, got %d", cfg.Mixer.TickRate)
	}
	if cfg.Mixer.MaxPacketPayload != 1400 {
		t.Fatalf("expected 1400 byte payload, got %d", cfg.Mixer.MaxPacketPayload)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixer.yaml")
	body := "listen: \":9000\"\nmixer:\n  maxKbpsPerNode: 250\n  priority:\n    ageWeight: 2\ntransport:\n  compression: lz4\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("expected listen override, got %q", cfg.Listen)
	}
	if cfg.Mixer.MaxKbpsPerNode != 250 {
		t.Fatalf("expected 250 kbps, got %v", cfg.Mixer.MaxKbpsPerNode)
	}
	if cfg.Mixer.Priority.AgeWeight != 2 {
		t.Fatalf("expected age weight 2, got %v", cfg.Mixer.Priority.AgeWeight)
	}
	if cfg.Mixer.Priority.SizeWeight != 0.5 {
		t.Fatalf("expected untouched size weight 0.5, got %v", cfg.Mixer.Priority.SizeWeight)
	}
	if cfg.Mixer.TickRate != 45 {
		t.Fatalf("expected default tick rate to survive, got %d", cfg.Mixer.TickRate)
	}
	if cfg.Transport.Compression != "lz4" {
		t.Fatalf("expected lz4, got %q", cfg.Transport.Compression)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixer.yaml")
	if err := os.WriteFile(path, []byte("mixer:\n  tickrate: 10\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected empty file to load, got %v", err)
	}
	if cfg.Mixer.TickRate != 45 {
		t.Fatalf("expected defaults, got tick rate %d", cfg.Mixer.TickRate)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MIXER_TICK_RATE":        "30",
		"MIXER_MAX_KBPS":         "not-a-number",
		"MIXER_THROTTLING_RATIO": "0.25",
		"ENABLE_PPROF":           "true",
	}
	var logged []string
	logger := telemetry.LoggerFunc(func(format string, args ...any) {
		logged = append(logged, format)
	})

	cfg := Default()
	cfg.ApplyEnv(func(key string) string { return env[key] }, logger)

	if cfg.Mixer.TickRate != 30 {
		t.Fatalf("expected tick rate 30, got %d", cfg.Mixer.TickRate)
	}
	if cfg.Mixer.MaxKbpsPerNode != 5000 {
		t.Fatalf("expected invalid kbps to be ignored, got %v", cfg.Mixer.MaxKbpsPerNode)
	}
	if cfg.Mixer.ThrottlingRatio != 0.25 {
		t.Fatalf("expected throttling 0.25, got %v", cfg.Mixer.ThrottlingRatio)
	}
	if !cfg.Observability.EnablePprof {
		t.Fatalf("expected pprof enabled")
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "MIXER_MAX_KBPS") {
		t.Fatalf("expected one invalid value report, got %v", logged)
	}
}

func TestValidateClampsAndRejects(t *testing.T) {
	cfg := Default()
	cfg.Mixer.ThrottlingRatio = 1.5
	cfg.Mixer.FullUpdateProbability = -1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mixer.ThrottlingRatio != 1 || cfg.Mixer.FullUpdateProbability != 0 {
		t.Fatalf("expected clamped ratios, got %v and %v", cfg.Mixer.ThrottlingRatio, cfg.Mixer.FullUpdateProbability)
	}

	bad := Default()
	bad.Mixer.TickRate = 0
	bad.Transport.Compression = "gzip"
	err := bad.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "tickRate") || !strings.Contains(err.Error(), "gzip") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

func TestRouterConfig(t *testing.T) {
	section := Logging{Sinks: []string{"json"}, MinimumSeverity: "warn", JSONPath: "/tmp/mixer.log"}
	cfg, err := section.RouterConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MinimumSeverity != logging.SeverityWarn {
		t.Fatalf("expected warn severity, got %v", cfg.MinimumSeverity)
	}
	if !cfg.HasSink("json") || cfg.HasSink("console") {
		t.Fatalf("expected only the json sink, got %v", cfg.EnabledSinks)
	}
	if cfg.JSON.FilePath != "/tmp/mixer.log" {
		t.Fatalf("expected json path, got %q", cfg.JSON.FilePath)
	}
}

func TestTickInterval(t *testing.T) {
	m := Mixer{TickRate: 50}
	if got := m.TickInterval().Milliseconds(); got != 20 {
		t.Fatalf("expected 20ms, got %d", got)
	}
}

func TestRouterConfigSampling(t *testing.T) {
	section := Default().Logging
	section.SampleMillis["custom.event"] = 250
	section.SampleMillis["disabled.event"] = 0
	cfg, err := section.RouterConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.SampleInterval("custom.event"); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms sample interval, got %v", got)
	}
	if got := cfg.SampleInterval("disabled.event"); got != 0 {
		t.Fatalf("expected non-positive interval to be ignored, got %v", got)
	}
	if got := cfg.SampleInterval("network.send_queue_full"); got != time.Second {
		t.Fatalf("expected default send queue sampling, got %v", got)
	}
	if cfg.RecentCapacity != 256 {
		t.Fatalf("expected recent capacity 256, got %d", cfg.RecentCapacity)
	}
}
