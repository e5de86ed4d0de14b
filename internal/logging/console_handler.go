package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/v6tunnel/internal/brand"
)

// ConsoleHandler is a slog.Handler that writes one line per record:
//
//	2025-01-02T15:04:05Z v6tunnel[1234]: [info] tunnel: worker started port=9100
type ConsoleHandler struct {
	opts   slog.HandlerOptions
	out    io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	prefix string
}

// NewConsoleHandler creates a new ConsoleHandler.
func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ConsoleHandler{
		out:  out,
		opts: *opts,
		mu:   &sync.Mutex{},
	}
}

// Enabled reports whether the handler is enabled for this level.
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

// Handle formats and writes the record.
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 512)

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	buf = append(buf, t.Format(time.RFC3339)...)
	buf = append(buf, ' ')
	buf = append(buf, fmt.Sprintf("%s[%d]: ", brand.LowerName, os.Getpid())...)

	buf = append(buf, '[')
	buf = append(buf, strings.ToLower(r.Level.String())...)
	buf = append(buf, "] "...)

	// component is promoted to the line header
	component := ""
	for _, a := range h.attrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if component != "" {
		buf = append(buf, strings.ToLower(component)...)
		buf = append(buf, ": "...)
	}

	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		if a.Key == "component" {
			continue
		}
		buf = append(buf, ' ')
		appendAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			return true
		}
		buf = append(buf, ' ')
		appendAttr(&buf, h.prefix, a)
		return true
	})

	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func appendAttr(buf *[]byte, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	*buf = append(*buf, prefix...)
	*buf = append(*buf, a.Key...)
	*buf = append(*buf, '=')
	val := a.Value.String()
	if val == "" || strings.ContainsAny(val, " \t\n\"=") {
		*buf = strconv.AppendQuote(*buf, val)
	} else {
		*buf = append(*buf, val...)
	}
}

// WithAttrs returns a new handler with the given attributes.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if a.Key != "component" && h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		merged = append(merged, a)
	}
	return &ConsoleHandler{opts: h.opts, out: h.out, mu: h.mu, attrs: merged, prefix: h.prefix}
}

// WithGroup returns a handler that prefixes subsequent keys with name.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ConsoleHandler{opts: h.opts, out: h.out, mu: h.mu, attrs: h.attrs, prefix: h.prefix + name + "."}
}
