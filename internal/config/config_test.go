package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/liveconsole/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liveconsole.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:3000" {
		t.Fatalf("unexpected bind addr %q", cfg.BindAddr)
	}
	if cfg.WSPath != "/ws" {
		t.Fatalf("unexpected ws path %q", cfg.WSPath)
	}
	if cfg.MaxMessageBytes != 100_000_000 {
		t.Fatalf("unexpected max message bytes %d", cfg.MaxMessageBytes)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
	if cfg.Backend.MaxOpenConns != 1 || cfg.Backend.Path == "" {
		t.Fatalf("unexpected backend defaults %+v", cfg.Backend)
	}
	if cfg.InvokeTimeout() != 0 {
		t.Fatalf("expected no invoke timeout, got %v", cfg.InvokeTimeout())
	}
	if cfg.RateLimit.PerSecond != 0 {
		t.Fatalf("rate limit should be off by default, got %v", cfg.RateLimit.PerSecond)
	}
	if cfg.DrainTimeout() != 5*time.Second {
		t.Fatalf("unexpected drain timeout %v", cfg.DrainTimeout())
	}
	if cfg.StatusSchedule != "" || cfg.OTel.Enabled {
		t.Fatalf("optional features should be off: %+v", cfg)
	}
}

func TestLoad_FromYAML(t *testing.T) {
	path := writeConfig(t, `
bind_addr: 0.0.0.0:8080
ws_path: socket
static_dir: ./slides
allow_origins: ["slides.example.com"]
log_level: DEBUG
backend:
  path: /tmp/demo.db
  max_open_conns: 4
invoke_timeout_seconds: 30
rate_limit:
  per_second: 2.5
status_schedule: "*/5 * * * *"
otel:
  enabled: true
  exporter: stdout
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != path {
		t.Fatalf("expected path to be recorded, got %q", cfg.Path)
	}
	if cfg.BindAddr != "0.0.0.0:8080" || cfg.WSPath != "/socket" || cfg.StaticDir != "./slides" {
		t.Fatalf("unexpected http settings: %+v", cfg)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "slides.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowOrigins)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected normalized level, got %q", cfg.LogLevel)
	}
	if cfg.Backend.Path != "/tmp/demo.db" || cfg.Backend.MaxOpenConns != 4 {
		t.Fatalf("unexpected backend %+v", cfg.Backend)
	}
	if cfg.InvokeTimeout() != 30*time.Second {
		t.Fatalf("unexpected invoke timeout %v", cfg.InvokeTimeout())
	}
	if cfg.RateLimit.PerSecond != 2.5 || cfg.RateLimit.Burst != 5 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.StatusSchedule != "*/5 * * * *" {
		t.Fatalf("unexpected schedule %q", cfg.StatusSchedule)
	}
	if !cfg.OTel.Enabled || cfg.OTel.Exporter != "stdout" {
		t.Fatalf("unexpected otel %+v", cfg.OTel)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "bind_addr: 127.0.0.1:1111\nlog_level: warn\n")
	t.Setenv("LIVECONSOLE_BIND_ADDR", "127.0.0.1:2222")
	t.Setenv("LIVECONSOLE_LOG_LEVEL", "silly")
	t.Setenv("LIVECONSOLE_ALLOW_ORIGINS", " a.example.com, ,b.example.com ")
	t.Setenv("LIVECONSOLE_MAX_MESSAGE_BYTES", "1024")
	t.Setenv("LIVECONSOLE_RATE_LIMIT_PER_SECOND", "10")
	t.Setenv("LIVECONSOLE_OTEL_ENABLED", "true")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:2222" || cfg.LogLevel != "silly" {
		t.Fatalf("env did not override: %+v", cfg)
	}
	if strings.Join(cfg.AllowOrigins, "|") != "a.example.com|b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowOrigins)
	}
	if cfg.MaxMessageBytes != 1024 || cfg.RateLimit.PerSecond != 10 || !cfg.OTel.Enabled {
		t.Fatalf("unexpected numeric overrides: %+v", cfg)
	}
}

func TestLoad_EnvOverridesNestedKeys(t *testing.T) {
	t.Setenv("LIVECONSOLE_RATE_LIMIT_PER_SECOND", "2.5")
	t.Setenv("LIVECONSOLE_RATE_LIMIT_BURST", "7")
	t.Setenv("LIVECONSOLE_BROADCAST_BUFFER", "32")
	t.Setenv("LIVECONSOLE_BACKEND_BUSY_TIMEOUT_MS", "250")
	t.Setenv("LIVECONSOLE_OTEL_SAMPLE_RATE", "0.25")
	t.Setenv("LIVECONSOLE_OTEL_SERVICE_NAME", "demo-console")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RateLimit.PerSecond != 2.5 || cfg.RateLimit.Burst != 7 {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.BroadcastBuffer != 32 || cfg.Backend.BusyTimeoutMS != 250 {
		t.Fatalf("unexpected buffer/busy timeout: %d %d", cfg.BroadcastBuffer, cfg.Backend.BusyTimeoutMS)
	}
	if cfg.OTel.SampleRate != 0.25 || cfg.OTel.ServiceName != "demo-console" {
		t.Fatalf("unexpected otel %+v", cfg.OTel)
	}
}

func TestLoad_BadEnvFloat(t *testing.T) {
	t.Setenv("LIVECONSOLE_OTEL_SAMPLE_RATE", "half")
	if _, err := config.Load(""); err == nil || !strings.Contains(err.Error(), "LIVECONSOLE_OTEL_SAMPLE_RATE") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestLoad_BadEnvNumber(t *testing.T) {
	t.Setenv("LIVECONSOLE_INVOKE_TIMEOUT_SECONDS", "soon")
	if _, err := config.Load(""); err == nil || !strings.Contains(err.Error(), "LIVECONSOLE_INVOKE_TIMEOUT_SECONDS") {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "bind_addr: [unterminated\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	path := writeConfig(t, "log_level: loud\ninvoke_timeout_seconds: -1\nrate_limit:\n  per_second: -2\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "invoke_timeout_seconds", "rate_limit.per_second"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestFingerprint_ChangesWithSettings(t *testing.T) {
	a, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint must be stable")
	}
	b.LogLevel = "debug"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with log level")
	}
}
