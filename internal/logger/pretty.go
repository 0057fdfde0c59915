package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// PrettyHandler is a slog.Handler that formats records as single
// colored lines, the format training progress is read in at a terminal.
//
// Attrs bound with WithAttrs are formatted once and replayed on every
// record. Derived handlers share the parent's mutex so concurrent
// writes to the same terminal stay whole lines.
type PrettyHandler struct {
	level  slog.Leveler
	prefix string // dotted group path applied to attr keys
	bound  []byte // attrs from WithAttrs, already formatted
	out    io.Writer
	mu     *sync.Mutex
}

// NewPrettyHandler creates a new PrettyHandler.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{out: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.level = opts.Level
	}
	return h
}

// Enabled reports whether the handler handles records at the given level.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

// Handle formats and writes a log record.
// Format: [TIME] LEVEL message key=value key=value
func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 512)

	buf = append(buf, ansiGray...)
	buf = append(buf, '[')
	buf = r.Time.AppendFormat(buf, time.TimeOnly)
	buf = append(buf, ']')
	buf = append(buf, ansiReset...)

	color, tag := levelTag(r.Level)
	buf = append(buf, ' ')
	buf = append(buf, color...)
	buf = append(buf, ansiBold...)
	buf = append(buf, tag...)
	buf = append(buf, ansiReset...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	if len(h.bound) > 0 || r.NumAttrs() > 0 {
		buf = append(buf, ' ')
		buf = append(buf, ansiCyan...)
		buf = append(buf, h.bound...)
		first := len(h.bound) == 0
		r.Attrs(func(a slog.Attr) bool {
			if !first {
				buf = append(buf, ' ')
			}
			first = false
			buf = appendAttr(buf, a, h.prefix)
			return true
		})
		buf = append(buf, ansiReset...)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

// WithAttrs returns a handler that prepends the given attrs to every
// record.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	bound := append([]byte(nil), h.bound...)
	for _, a := range attrs {
		if len(bound) > 0 {
			bound = append(bound, ' ')
		}
		bound = appendAttr(bound, a, c.prefix)
	}
	c.bound = bound
	return &c
}

// WithGroup returns a handler that prefixes subsequent attr keys with
// the group name.
func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	if c.prefix != "" {
		c.prefix += "." + name
	} else {
		c.prefix = name
	}
	return &c
}

// levelTag returns the color and the fixed five-column badge for a
// level, so messages line up across levels.
func levelTag(level slog.Level) (color, tag string) {
	switch {
	case level >= slog.LevelError:
		return ansiRed, "ERROR"
	case level >= slog.LevelWarn:
		return ansiYellow, "WARN "
	case level >= slog.LevelInfo:
		return ansiBlue, "INFO "
	default:
		return ansiGray, "DEBUG"
	}
}

func appendAttr(buf []byte, a slog.Attr, prefix string) []byte {
	if prefix != "" {
		buf = append(buf, prefix...)
		buf = append(buf, '.')
	}
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return appendValue(buf, a.Value.Resolve())
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " \t\n\"=") {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindDuration:
		return append(buf, v.Duration().Round(time.Millisecond).String()...)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', 6, 64)
	case slog.KindGroup:
		buf = append(buf, '{')
		for i, ga := range v.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, ga, "")
		}
		return append(buf, '}')
	default:
		return append(buf, fmt.Sprint(v.Any())...)
	}
}
