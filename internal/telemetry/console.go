package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fatih/color"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// consoleHandler writes "<timestamp> <LEVEL padded to 10> <message> k=v ...".
type consoleHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	colors map[slog.Level]*color.Color
	plain  bool
	prefix []byte
	group  string
}

func newConsoleHandler(w io.Writer, level slog.Leveler, useColor bool) *consoleHandler {
	colors := map[slog.Level]*color.Color{
		LevelSilly:      color.New(color.FgMagenta),
		slog.LevelDebug: color.New(color.FgBlue),
		LevelVerbose:    color.New(color.FgCyan),
		slog.LevelInfo:  color.New(color.FgGreen),
		slog.LevelWarn:  color.New(color.FgYellow),
		slog.LevelError: color.New(color.FgRed),
	}
	for _, c := range colors {
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return &consoleHandler{mu: &sync.Mutex{}, w: w, level: level, colors: colors, plain: !useColor}
}

func (h *consoleHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	buf.WriteString(ts.UTC().Format(consoleTimeFormat))
	buf.WriteByte(' ')

	c := h.colorFor(r.Level)
	buf.WriteString(c.Sprintf("%-10s", LevelName(r.Level)))
	buf.WriteByte(' ')
	buf.WriteString(c.Sprint(Redact(r.Message)))

	buf.Write(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&buf, h.group, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *consoleHandler) colorFor(l slog.Level) *color.Color {
	switch {
	case l >= slog.LevelError:
		return h.colors[slog.LevelError]
	case l >= slog.LevelWarn:
		return h.colors[slog.LevelWarn]
	case l >= slog.LevelInfo:
		return h.colors[slog.LevelInfo]
	case l >= LevelVerbose:
		return h.colors[LevelVerbose]
	case l >= slog.LevelDebug:
		return h.colors[slog.LevelDebug]
	default:
		return h.colors[LevelSilly]
	}
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	var buf bytes.Buffer
	buf.Write(h.prefix)
	for _, a := range attrs {
		appendAttr(&buf, h.group, a)
	}
	next.prefix = buf.Bytes()
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

func appendAttr(buf *bytes.Buffer, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			appendAttr(buf, key, ga)
		}
		return
	}
	a = redactAttr(a)
	buf.WriteByte(' ')
	buf.WriteString(key)
	buf.WriteByte('=')
	v := a.Value.String()
	if needsQuote(v) {
		buf.WriteString(strconv.Quote(v))
	} else {
		buf.WriteString(v)
	}
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if r <= ' ' || r == '"' || r == '=' || r > 0x7e {
			return true
		}
	}
	return false
}

