package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"avatar-mixer/server/internal/config"
	"avatar-mixer/server/internal/telemetry"
	"avatar-mixer/server/logging"
)

func quietConfig() Config {
	file := config.Default()
	file.Logging.Sinks = []string{}
	file.Mixer.TickRate = 100
	return Config{
		Logger: telemetry.LoggerFunc(func(string, ...any) {}),
		File:   file,
	}
}

func TestNewWiresHandler(t *testing.T) {
	srv, err := New(quietConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer srv.Close(context.Background())

	if srv.Directory() == nil || srv.Broadcaster() == nil {
		t.Fatalf("expected directory and broadcaster to be constructed")
	}
	if got := srv.Broadcaster().Settings().TickRate; got != 100 {
		t.Fatalf("expected tick rate 100, got %d", got)
	}
	if srv.Handler() == nil {
		t.Fatalf("expected http handler")
	}
}

func TestNewRejectsUnknownCompression(t *testing.T) {
	cfg := quietConfig()
	cfg.File.Transport.Compression = "brotli"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error for unknown compression")
	}
}

func TestBuildSinks(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"console", "json"}
	cfg.JSON.FilePath = filepath.Join(t.TempDir(), "events.jsonl")
	sinks, err := buildSinks(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sinks) != 2 {
		t.Fatalf("expected 2 sinks, got %d", len(sinks))
	}
	for _, named := range sinks {
		if err := named.Sink.Close(context.Background()); err != nil {
			t.Fatalf("close %s: %v", named.Name, err)
		}
	}

	cfg.JSON.FilePath = ""
	if _, err := buildSinks(cfg); err == nil {
		t.Fatalf("expected json sink without a path to fail")
	}

	cfg.EnabledSinks = []string{"syslog"}
	if _, err := buildSinks(cfg); err == nil {
		t.Fatalf("expected unknown sink to fail")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	srv, err := New(quietConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer srv.Close(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/diagnostics")
	if err != nil {
		cancel()
		t.Fatalf("diagnostics request: %v", err)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}
