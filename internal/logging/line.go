package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TimeFormat is the ISO-8601 layout that starts every line
const TimeFormat = time.RFC3339

// LineHandler writes one `<timestamp> - <message> key=value...` line per record.
// Warnings and errors carry a trailing level attribute.
// Each record is emitted with a single Write call.
type LineHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	prefix string // pre-rendered WithAttrs
	group  string
}

func NewLineHandler(w io.Writer, level slog.Leveler) *LineHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &LineHandler{w: w, mu: &sync.Mutex{}, level: level}
}

func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	buf.WriteString(ts.Format(TimeFormat))
	buf.WriteString(" - ")
	buf.WriteString(r.Message)
	buf.WriteString(h.prefix)

	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&buf, h.group, a)
		return true
	})
	if r.Level >= slog.LevelWarn {
		appendAttr(&buf, "", slog.String("level", r.Level.String()))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var buf bytes.Buffer
	for _, a := range attrs {
		appendAttr(&buf, h.group, a)
	}
	clone := *h
	clone.prefix = h.prefix + buf.String()
	return &clone
}

func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.group = joinKey(h.group, name)
	return &clone
}

func appendAttr(buf *bytes.Buffer, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		g := joinKey(group, a.Key)
		for _, ga := range a.Value.Group() {
			appendAttr(buf, g, ga)
		}
		return
	}

	buf.WriteByte(' ')
	buf.WriteString(joinKey(group, a.Key))
	buf.WriteByte('=')

	var s string
	switch a.Value.Kind() {
	case slog.KindTime:
		s = a.Value.Time().Format(TimeFormat)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			s = err.Error()
		} else {
			s = a.Value.String()
		}
	default:
		s = a.Value.String()
	}
	if needsQuote(s) {
		s = strconv.Quote(s)
	}
	buf.WriteString(s)
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	if key == "" {
		return group
	}
	return group + "." + key
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	return strings.ContainsAny(s, " \t\n\r\"=")
}
