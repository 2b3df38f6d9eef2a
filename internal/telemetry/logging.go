// Package telemetry builds the process logger. Every record the logger accepts
// is written to the console, optionally to a JSONL file, and published as a JSON
// line on the broadcast bus so connected clients see the server's own log.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/liveconsole/internal/bus"
)

// Extra levels matching the console's historical level set.
const (
	LevelSilly   = slog.Level(-8)
	LevelVerbose = slog.Level(-2)
)

// Options configures NewLogger.
type Options struct {
	Level string
	// Dir, when set, receives <Dir>/system.jsonl.
	Dir string
	// Console receives human-readable lines. Nil means os.Stdout.
	Console io.Writer
	// Quiet disables the console sink.
	Quiet bool
	// Color forces console colors on or off. Nil detects a terminal.
	Color *bool
}

// Logger is the broadcasting process logger plus a Local twin that never
// publishes. Local is for transport and delivery failures, whose broadcast
// would feed back into more delivery attempts.
type Logger struct {
	*slog.Logger
	Local *slog.Logger
	level *slog.LevelVar
}

// SetLevel changes the level of both loggers at runtime.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Level returns the current level.
func (l *Logger) Level() slog.Level { return l.level.Level() }

// NewLogger wires the sinks. pub may be nil, in which case nothing is broadcast.
// The returned Closer releases the log file.
func NewLogger(opts Options, pub bus.Publisher) (*Logger, io.Closer, error) {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(opts.Level))
	hopts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr}

	var local []slog.Handler
	var closer io.Closer = nopCloser{}

	if !opts.Quiet {
		w := opts.Console
		if w == nil {
			w = os.Stdout
		}
		color := isTerminal(w)
		if opts.Color != nil {
			color = *opts.Color
		}
		local = append(local, newConsoleHandler(w, lvl, color))
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, nil, err
		}
		file, err := os.OpenFile(filepath.Join(opts.Dir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		closer = file
		local = append(local, slog.NewJSONHandler(file, hopts))
	}

	all := local
	if pub != nil {
		all = append(append([]slog.Handler(nil), local...), slog.NewJSONHandler(publishWriter{pub: pub, topic: bus.TopicLog}, hopts))
	}

	return &Logger{
		Logger: slog.New(fanout{level: lvl, handlers: all}),
		Local:  slog.New(fanout{level: lvl, handlers: local}),
		level:  lvl,
	}, closer, nil
}

// ParseLevel accepts silly, debug, verbose, info, warn and error. Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silly", "trace":
		return LevelSilly
	case "debug":
		return slog.LevelDebug
	case "verbose":
		return LevelVerbose
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelName renders a level, including the extra ones.
func LevelName(l slog.Level) string {
	switch l {
	case LevelSilly:
		return "SILLY"
	case LevelVerbose:
		return "VERBOSE"
	default:
		return l.String()
	}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		a.Key = "timestamp"
		return a
	case slog.LevelKey:
		if l, ok := a.Value.Any().(slog.Level); ok {
			return slog.String(a.Key, LevelName(l))
		}
		return a
	}
	return redactAttr(a)
}

// publishWriter turns each Write into one bus event. slog handlers write a
// whole record per call, so one call is one line.
type publishWriter struct {
	pub   bus.Publisher
	topic string
}

func (w publishWriter) Write(p []byte) (int, error) {
	w.pub.Publish(w.topic, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// fanout hands each record to every handler enabled for its level.
type fanout struct {
	level    slog.Leveler
	handlers []slog.Handler
}

func (f fanout) Enabled(_ context.Context, l slog.Level) bool {
	return len(f.handlers) > 0 && l >= f.level.Level()
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanout{level: f.level, handlers: next}
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanout{level: f.level, handlers: next}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
