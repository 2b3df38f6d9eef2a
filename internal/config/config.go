package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/liveconsole/internal/otel"
)

// BackendConfig locates the shared document store.
type BackendConfig struct {
	// Path is the SQLite file. ":memory:" keeps everything in process.
	Path          string `yaml:"path"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// RateLimitConfig limits invocations per session. PerSecond 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Config is the console configuration after defaults, file and environment.
type Config struct {
	// Path is the file the config was read from, empty for defaults only.
	Path string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	WSPath    string `yaml:"ws_path"`
	StaticDir string `yaml:"static_dir"`

	// AllowOrigins are host patterns accepted for cross-origin WebSockets.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
	// CORSOrigins may read /healthz and /api/* from other origins.
	CORSOrigins []string `yaml:"cors_origins"`

	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	LogLevel string `yaml:"log_level"`
	// LogDir, when set, receives system.jsonl.
	LogDir string `yaml:"log_dir"`

	Backend BackendConfig `yaml:"backend"`

	// InvokeTimeoutSeconds bounds each invocation. 0 means no timeout.
	InvokeTimeoutSeconds int             `yaml:"invoke_timeout_seconds"`
	RateLimit            RateLimitConfig `yaml:"rate_limit"`
	// BroadcastBuffer is the per-session log backlog before records drop.
	BroadcastBuffer int `yaml:"broadcast_buffer"`

	// DrainTimeoutSeconds bounds graceful shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// StatusSchedule is a cron spec for the status heartbeat. Empty disables it.
	StatusSchedule string `yaml:"status_schedule"`

	OTel otelPkg.Config `yaml:"otel"`
}

const (
	defaultBindAddr        = "127.0.0.1:3000"
	defaultWSPath          = "/ws"
	defaultMaxMessageBytes = 100_000_000
	defaultBackendPath     = "liveconsole.db"
	defaultBroadcastBuffer = 256
	defaultDrainTimeout    = 5
)

var validLevels = map[string]bool{
	"silly": true, "debug": true, "verbose": true, "info": true, "warn": true, "error": true,
}

func defaultConfig() Config {
	return Config{
		BindAddr:            defaultBindAddr,
		WSPath:              defaultWSPath,
		MaxMessageBytes:     defaultMaxMessageBytes,
		LogLevel:            "info",
		Backend:             BackendConfig{Path: defaultBackendPath, MaxOpenConns: 1, BusyTimeoutMS: 5000},
		RateLimit:           RateLimitConfig{Burst: 5},
		BroadcastBuffer:     defaultBroadcastBuffer,
		DrainTimeoutSeconds: defaultDrainTimeout,
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// LIVECONSOLE_* environment overrides, normalizes and validates.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.Path = path

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.BindAddr = strings.TrimSpace(cfg.BindAddr)
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.WSPath == "" {
		cfg.WSPath = defaultWSPath
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		cfg.WSPath = "/" + cfg.WSPath
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.Backend.Path == "" {
		cfg.Backend.Path = defaultBackendPath
	}
	if cfg.Backend.MaxOpenConns <= 0 {
		cfg.Backend.MaxOpenConns = 1
	}
	if cfg.RateLimit.PerSecond > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 1
	}
	if cfg.BroadcastBuffer <= 0 {
		cfg.BroadcastBuffer = defaultBroadcastBuffer
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = defaultDrainTimeout
	}
	cfg.StatusSchedule = strings.TrimSpace(cfg.StatusSchedule)
}

// Validate reports settings that cannot be normalized away.
func (c Config) Validate() error {
	var errs []error
	if !validLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of silly, debug, verbose, info, warn, error", c.LogLevel))
	}
	if c.InvokeTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("invoke_timeout_seconds must be >= 0, got %d", c.InvokeTimeoutSeconds))
	}
	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.per_second must be >= 0, got %v", c.RateLimit.PerSecond))
	}
	if c.Backend.BusyTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("backend.busy_timeout_ms must be >= 0, got %d", c.Backend.BusyTimeoutMS))
	}
	return errors.Join(errs...)
}

// InvokeTimeout is InvokeTimeoutSeconds as a duration.
func (c Config) InvokeTimeout() time.Duration {
	return time.Duration(c.InvokeTimeoutSeconds) * time.Second
}

// DrainTimeout is DrainTimeoutSeconds as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that shape the server.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|ws=%s|log=%s|backend=%s|conns=%d|timeout=%d|rate=%v/%d|origins=%v",
		c.BindAddr, c.WSPath, c.LogLevel, c.Backend.Path, c.Backend.MaxOpenConns,
		c.InvokeTimeoutSeconds, c.RateLimit.PerSecond, c.RateLimit.Burst, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func applyEnvOverrides(cfg *Config) error {
	str := func(key string, dst *string) {
		if raw := os.Getenv(key); raw != "" {
			*dst = raw
		}
	}
	list := func(key string, dst *[]string) {
		if raw := os.Getenv(key); raw != "" {
			var out []string
			for _, part := range strings.Split(raw, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if raw := os.Getenv(key); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = v
		}
	}

	str("LIVECONSOLE_BIND_ADDR", &cfg.BindAddr)
	str("LIVECONSOLE_WS_PATH", &cfg.WSPath)
	str("LIVECONSOLE_STATIC_DIR", &cfg.StaticDir)
	str("LIVECONSOLE_LOG_LEVEL", &cfg.LogLevel)
	str("LIVECONSOLE_LOG_DIR", &cfg.LogDir)
	str("LIVECONSOLE_BACKEND_PATH", &cfg.Backend.Path)
	str("LIVECONSOLE_STATUS_SCHEDULE", &cfg.StatusSchedule)
	list("LIVECONSOLE_ALLOW_ORIGINS", &cfg.AllowOrigins)
	list("LIVECONSOLE_CORS_ORIGINS", &cfg.CORSOrigins)
	num("LIVECONSOLE_INVOKE_TIMEOUT_SECONDS", &cfg.InvokeTimeoutSeconds)
	num("LIVECONSOLE_DRAIN_TIMEOUT_SECONDS", &cfg.DrainTimeoutSeconds)
	num("LIVECONSOLE_BACKEND_MAX_OPEN_CONNS", &cfg.Backend.MaxOpenConns)

	num("LIVECONSOLE_BACKEND_BUSY_TIMEOUT_MS", &cfg.Backend.BusyTimeoutMS)
	num("LIVECONSOLE_RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	num("LIVECONSOLE_BROADCAST_BUFFER", &cfg.BroadcastBuffer)

	if raw := os.Getenv("LIVECONSOLE_MAX_MESSAGE_BYTES"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("LIVECONSOLE_MAX_MESSAGE_BYTES: %w", err))
		} else {
			cfg.MaxMessageBytes = v
		}
	}
	float := func(key string, dst *float64) {
		if raw := os.Getenv(key); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = v
		}
	}
	float("LIVECONSOLE_RATE_LIMIT_PER_SECOND", &cfg.RateLimit.PerSecond)
	float("LIVECONSOLE_OTEL_SAMPLE_RATE", &cfg.OTel.SampleRate)
	if raw := os.Getenv("LIVECONSOLE_OTEL_ENABLED"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("LIVECONSOLE_OTEL_ENABLED: %w", err))
		} else {
			cfg.OTel.Enabled = v
		}
	}
	str("LIVECONSOLE_OTEL_EXPORTER", &cfg.OTel.Exporter)
	str("LIVECONSOLE_OTEL_ENDPOINT", &cfg.OTel.Endpoint)
	str("LIVECONSOLE_OTEL_SERVICE_NAME", &cfg.OTel.ServiceName)
	return errors.Join(errs...)
}
