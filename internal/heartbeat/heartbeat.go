// Package heartbeat logs a periodic status line on a cron schedule. The line
// goes through the broadcasting logger, so every connected client sees it.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions and descriptors such as "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Status is what one beat reports.
type Status struct {
	Sessions   int
	Operations int
	Dropped    uint64
	BackendOK  bool
}

// Config holds the dependencies for a Heartbeat.
type Config struct {
	Schedule string
	Logger   *slog.Logger
	// Status is sampled on every beat.
	Status func(ctx context.Context) Status
}

// Heartbeat runs the status job.
type Heartbeat struct {
	schedule cronlib.Schedule
	spec     string
	logger   *slog.Logger
	status   func(context.Context) Status
	runner   *cronlib.Cron
}

// New validates the schedule. An empty schedule is an error; callers skip the
// heartbeat instead.
func New(cfg Config) (*Heartbeat, error) {
	if cfg.Schedule == "" {
		return nil, errors.New("heartbeat: empty schedule")
	}
	if cfg.Status == nil {
		return nil, errors.New("heartbeat: status func is required")
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{schedule: sched, spec: cfg.Schedule, logger: logger, status: cfg.Status}, nil
}

// Start schedules the job in the background until Stop or ctx ends.
func (h *Heartbeat) Start(ctx context.Context) {
	h.runner = cronlib.New(cronlib.WithParser(parser))
	h.runner.Schedule(h.schedule, cronlib.FuncJob(func() { h.Beat(ctx) }))
	h.runner.Start()
	go func() {
		<-ctx.Done()
		h.runner.Stop()
	}()
	h.logger.Info("heartbeat started", "schedule", h.spec, "next_run_at", h.Next(time.Now()))
}

// Stop halts the schedule and waits for a running beat to finish.
func (h *Heartbeat) Stop() {
	if h.runner == nil {
		return
	}
	<-h.runner.Stop().Done()
}

// Next returns the first beat after t.
func (h *Heartbeat) Next(t time.Time) time.Time {
	return h.schedule.Next(t)
}

// Beat logs one status line.
func (h *Heartbeat) Beat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	st := h.status(ctx)
	level := slog.LevelInfo
	if !st.BackendOK {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "status",
		"sessions", st.Sessions,
		"operations", st.Operations,
		"broadcast_dropped", st.Dropped,
		"backend_ok", st.BackendOK,
	)
}
