package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://probe.example.com")
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.DBPath != "./data/app.db" {
		t.Fatalf("unexpected addr/db: %q %q", cfg.Addr, cfg.DBPath)
	}
	if cfg.PollInterval != 2*time.Second || cfg.HistorySize != 30 || cfg.MaxFailures != 3 {
		t.Fatalf("unexpected sync defaults: %+v", cfg)
	}
	if cfg.BackendTransport != "http" || cfg.StatusSchema != "komari" {
		t.Fatalf("unexpected backend defaults: %+v", cfg)
	}
	if cfg.ReconnectAttempts != 5 || cfg.ReconnectInterval != 5*time.Second || cfg.NodesTTL != 5*time.Minute {
		t.Fatalf("unexpected reconnect defaults: %+v", cfg)
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `backend_url: https://from-file.example.com
backend_transport: WS
poll_interval: 5s
history_size: 60
allowed_origins:
  - https://a.example.com
  - https://b.example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("BACKEND_URL", "")
	t.Setenv("HISTORY_SIZE", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "https://from-file.example.com" || cfg.BackendTransport != "ws" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("poll interval = %v", cfg.PollInterval)
	}
	if cfg.HistorySize != 10 {
		t.Fatalf("environment should win over file, history = %d", cfg.HistorySize)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BACKEND_URL", "")
	t.Setenv("BACKEND_TRANSPORT", "grpc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"BACKEND_URL", "BACKEND_TRANSPORT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := Config{LogLevel: "warn", LogFormat: "text"}.Logger(&buf)
	log.Info("hidden")
	log.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Fatalf("unexpected text output %q", out)
	}

	buf.Reset()
	log = Config{LogLevel: "debug", LogFormat: "json"}.Logger(&buf)
	if !log.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug level not enabled")
	}
	log.Debug("event")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected json output, got %q", buf.String())
	}
}
