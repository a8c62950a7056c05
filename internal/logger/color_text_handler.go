package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	colorReset = "\033[0m"
	timeLayout = "2006-01-02T15:04:05.000Z07:00"
)

// ColorTextHandler is a slog.TextHandler whose lines start with an optional
// timestamp and the level in ANSI color. The inner handler never sees the
// level or time, so nothing colored goes through its quoting.
type ColorTextHandler struct {
	w        io.Writer
	mu       *sync.Mutex
	inner    slog.Handler
	showTime bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	replace := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || a.Key == slog.TimeKey) {
			return slog.Attr{}
		}
		if replace != nil {
			return replace(groups, a)
		}
		return a
	}
	return &ColorTextHandler{w: w, mu: &sync.Mutex{}, inner: slog.NewTextHandler(w, &o), showTime: showTime}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m"
	case l >= slog.LevelWarn:
		return "\033[33m"
	case l >= slog.LevelInfo:
		return "\033[32m"
	default:
		return "\033[36m"
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	prefix := fmt.Sprintf("%s%-5s%s ", levelColor(r.Level), r.Level.String(), colorReset)
	if h.showTime && !r.Time.IsZero() {
		prefix = r.Time.Format(timeLayout) + " " + prefix
	}
	// prefix and line go out under one lock so concurrent records do not interleave
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.w, prefix); err != nil {
		return err
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs and WithGroup keep the color wrapper so component loggers
// created with With stay colored.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{w: h.w, mu: h.mu, inner: h.inner.WithAttrs(attrs), showTime: h.showTime}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{w: h.w, mu: h.mu, inner: h.inner.WithGroup(name), showTime: h.showTime}
}
