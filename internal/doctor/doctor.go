// Package doctor runs pre-flight checks against a console configuration.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/liveconsole/internal/backend"
	"github.com/basket/liveconsole/internal/config"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Diagnosis is a full doctor run.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// SystemInfo describes the host and build.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes every check. cfg may be nil when the config failed to load;
// loadErr then explains why.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	for _, check := range []func(context.Context, *config.Config) CheckResult{
		checkBackend,
		checkLogDir,
		checkStaticDir,
		checkListener,
		checkOrigins,
	} {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if loadErr != nil || cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: fmt.Sprintf("Load failed: %v", loadErr)}
	}
	if cfg.Path == "" {
		return CheckResult{Name: "Config", Status: StatusPass, Message: "Defaults and environment only", Detail: cfg.Fingerprint()}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.Path), Detail: cfg.Fingerprint()}
}

func checkBackend(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backend", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := backend.Open(ctx, backend.Options{
		Path:         cfg.Backend.Path,
		MaxOpenConns: cfg.Backend.MaxOpenConns,
		BusyTimeout:  time.Duration(cfg.Backend.BusyTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return CheckResult{Name: "Backend", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	n, err := store.Collection("people").Count(ctx, backend.Query{})
	if err != nil {
		return CheckResult{Name: "Backend", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Backend",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s, people=%d", store.Path(), n),
	}
}

func checkLogDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Log Dir", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.LogDir == "" {
		return CheckResult{Name: "Log Dir", Status: StatusSkip, Message: "File logging disabled"}
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return CheckResult{Name: "Log Dir", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", cfg.LogDir, err)}
	}
	probe := filepath.Join(cfg.LogDir, ".write_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Log Dir", Status: StatusFail, Message: fmt.Sprintf("Unwritable: %v", err)}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Log Dir", Status: StatusPass, Message: fmt.Sprintf("%s writable", cfg.LogDir)}
}

func checkStaticDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Static Dir", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.StaticDir == "" {
		return CheckResult{Name: "Static Dir", Status: StatusSkip, Message: "No static files served"}
	}
	info, err := os.Stat(cfg.StaticDir)
	if err != nil {
		return CheckResult{Name: "Static Dir", Status: StatusWarn, Message: fmt.Sprintf("%s not readable: %v", cfg.StaticDir, err)}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Static Dir", Status: StatusWarn, Message: fmt.Sprintf("%s is not a directory", cfg.StaticDir)}
	}
	if _, err := os.Stat(filepath.Join(cfg.StaticDir, "index.html")); err != nil {
		return CheckResult{Name: "Static Dir", Status: StatusWarn, Message: "No index.html", Detail: cfg.StaticDir}
	}
	return CheckResult{Name: "Static Dir", Status: StatusPass, Message: fmt.Sprintf("Serving %s", cfg.StaticDir)}
}

func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Listener",
			Status:  StatusFail,
			Message: fmt.Sprintf("Cannot bind %s", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

func checkOrigins(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Origins", Status: StatusSkip, Message: "Config missing"}
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			return CheckResult{Name: "Origins", Status: StatusWarn, Message: "Any page may open a console WebSocket", Detail: "allow_origins contains *"}
		}
	}
	if len(cfg.AllowOrigins) == 0 {
		return CheckResult{Name: "Origins", Status: StatusPass, Message: "Same-origin WebSockets only"}
	}
	return CheckResult{Name: "Origins", Status: StatusPass, Message: fmt.Sprintf("%d cross-origin patterns", len(cfg.AllowOrigins))}
}
