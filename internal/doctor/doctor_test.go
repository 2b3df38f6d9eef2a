package doctor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/liveconsole/internal/backend"
	"github.com/basket/liveconsole/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Backend.Path = backend.MemoryPath
	cfg.BindAddr = "127.0.0.1:0"
	return &cfg
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_HealthyConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")

	d := Run(context.Background(), cfg, nil, "test")
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	if d.System.Version != "test" {
		t.Fatalf("unexpected version %q", d.System.Version)
	}
	for name, want := range map[string]string{
		"Config":     StatusPass,
		"Backend":    StatusPass,
		"Log Dir":    StatusPass,
		"Static Dir": StatusSkip,
		"Listener":   StatusPass,
		"Origins":    StatusPass,
	} {
		if got := find(t, d, name).Status; got != want {
			t.Errorf("%s: status %s, want %s", name, got, want)
		}
	}
}

func TestRun_ConfigLoadFailure(t *testing.T) {
	d := Run(context.Background(), nil, errors.New("parse: bad yaml"), "test")
	if !d.Failed() {
		t.Fatal("expected failure")
	}
	if find(t, d, "Config").Status != StatusFail {
		t.Fatal("config check should fail")
	}
	if find(t, d, "Backend").Status != StatusSkip {
		t.Fatal("backend check should be skipped")
	}
}

func TestCheckListener_PortTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if r := checkListener(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckBackend_BadPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig(t)
	cfg.Backend.Path = filepath.Join(file, "db.sqlite")
	if r := checkBackend(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckStaticDir(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	cfg.StaticDir = dir
	if r := checkStaticDir(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN without index.html, got %+v", r)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r := checkStaticDir(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", r)
	}
}

func TestCheckOrigins_Wildcard(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowOrigins = []string{"*"}
	if r := checkOrigins(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN, got %+v", r)
	}
}
