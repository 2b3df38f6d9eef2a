package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/liveconsole/internal/backend"
	"github.com/basket/liveconsole/internal/bus"
	"github.com/basket/liveconsole/internal/config"
	"github.com/basket/liveconsole/internal/gateway"
	"github.com/basket/liveconsole/internal/heartbeat"
	"github.com/basket/liveconsole/internal/ops"
	otelPkg "github.com/basket/liveconsole/internal/otel"
	"github.com/basket/liveconsole/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3.0"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [-config file] [-quiet]     Start the console server
  %s status                      Query /healthz of a running server
  %s doctor [-json]              Run pre-flight checks
  %s operations                  List the operations clients can invoke
  %s version                     Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LIVECONSOLE_CONFIG      Config file used when -config is not given
  LIVECONSOLE_BIND_ADDR   Listen address (default 127.0.0.1:3000)
  LIVECONSOLE_LOG_LEVEL   silly, debug, verbose, info, warn or error
  LIVECONSOLE_<KEY>       Any other config key, upper-cased with nested
                          keys joined by _ (e.g. LIVECONSOLE_RATE_LIMIT_BURST,
                          LIVECONSOLE_OTEL_SAMPLE_RATE)
`)
}

func main() {
	configPath := flag.String("config", os.Getenv("LIVECONSOLE_CONFIG"), "path to the YAML config file")
	quiet := flag.Bool("quiet", false, "disable console log output")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, *configPath, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, *configPath, args[1:], os.Stdout))
		case "operations":
			printOperations(os.Stdout, ops.Default())
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	eventBus := bus.NewWithBuffer(cfg.BroadcastBuffer)
	logger, closer, err := telemetry.NewLogger(telemetry.Options{
		Level: cfg.LogLevel,
		Dir:   cfg.LogDir,
		Quiet: *quiet,
	}, eventBus)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger.Logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version,
		"config", cfg.Path,
		"fingerprint", cfg.Fingerprint(),
		"log_level", cfg.LogLevel,
	)

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_INIT", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(flushCtx)
	}()
	otelMetrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger.Logger, "E_OTEL_INIT", err)
	}

	// No client is accepted until the backend is reachable.
	store, err := backend.Open(ctx, backend.Options{
		Path:         cfg.Backend.Path,
		MaxOpenConns: cfg.Backend.MaxOpenConns,
		BusyTimeout:  time.Duration(cfg.Backend.BusyTimeoutMS) * time.Millisecond,
		Tracer:       otelProvider.Tracer,
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_BACKEND_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "backend_open", "path", store.Path(), "max_open_conns", cfg.Backend.MaxOpenConns)

	registry := ops.Default()
	metrics := gateway.NewMetrics(eventBus, otelProvider.Tracer, otelMetrics)
	hub := gateway.NewHub(eventBus, logger.Local).WithMetrics(metrics)

	var static http.Handler
	if cfg.StaticDir != "" {
		static = http.FileServer(http.Dir(cfg.StaticDir))
	}
	gw, err := gateway.New(gateway.Config{
		Registry:        registry,
		Store:           store,
		Hub:             hub,
		Logger:          logger.Logger,
		Local:           logger.Local,
		Metrics:         metrics,
		WSPath:          cfg.WSPath,
		AllowOrigins:    cfg.AllowOrigins,
		CORSOrigins:     cfg.CORSOrigins,
		MaxMessageBytes: cfg.MaxMessageBytes,
		InvokeTimeout:   cfg.InvokeTimeout(),
		RatePerSecond:   cfg.RateLimit.PerSecond,
		RateBurst:       cfg.RateLimit.Burst,
		Static:          static,
	})
	if err != nil {
		fatalStartup(logger.Logger, "E_GATEWAY_INIT", err)
	}

	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Another process is using %s. Stop it first or change bind_addr.", err, cfg.BindAddr)
		}
		fatalStartup(logger.Logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("console listening", "addr", ln.Addr().String(), "ws", cfg.WSPath, "operations", registry.Len())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if cfg.Path != "" {
		watcher := config.NewWatcher(cfg.Path, logger.Local)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher disabled", "path", cfg.Path, "error", err)
		} else {
			level := cfg.LogLevel
			go watcher.Reload(ctx, func(next config.Config) {
				if next.LogLevel != level {
					logger.SetLevel(next.LogLevel)
					logger.Info("log level changed", "from", level, "to", next.LogLevel)
					level = next.LogLevel
				}
				next.LogLevel = cfg.LogLevel
				if next.Fingerprint() != cfg.Fingerprint() {
					logger.Warn("config changed; restart to apply settings other than log_level", "fingerprint", next.Fingerprint())
				}
			})
		}
	}

	if cfg.StatusSchedule != "" {
		hb, err := heartbeat.New(heartbeat.Config{
			Schedule: cfg.StatusSchedule,
			Logger:   logger.Logger,
			Status: func(ctx context.Context) heartbeat.Status {
				return heartbeat.Status{
					Sessions:   hub.Len(),
					Operations: registry.Len(),
					Dropped:    eventBus.Dropped(),
					BackendOK:  store.Ping(ctx) == nil,
				}
			},
		})
		if err != nil {
			fatalStartup(logger.Logger, "E_HEARTBEAT_INIT", err)
		}
		hb.Start(ctx)
		defer hb.Stop()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	// Stop intake, then close sessions and drain in-flight invocations
	// before the deferred store.Close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancelDrain()
	if err := gw.Shutdown(drainCtx); err != nil {
		logger.Warn("in-flight invocations still running at shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}

func printOperations(w io.Writer, reg *ops.Registry) {
	for _, name := range reg.Names() {
		fmt.Fprintln(w, name)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}
