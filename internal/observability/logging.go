package observability

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

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/trace"
)

// SetupLogger builds the process logger and makes it slog's default.
// Format "json" writes one JSON object per record; anything else writes
// PrettyHandler lines. Records logged with a span in their context carry
// trace_id and span_id.
func SetupLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = NewPrettyHandler(w, opts)
	}

	logger := slog.New(&TraceHandler{Handler: handler})
	slog.SetDefault(logger)
	return logger
}

// parseLevel accepts slog's level names in any case, with optional
// offsets such as "debug+2". Unknown levels fall back to info.
func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// TraceHandler adds the active span's identifiers to each record.
type TraceHandler struct {
	slog.Handler
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}

// PrettyHandler writes one line per record for people reading a terminal
// or the CLI log file:
//
//	15:04:05 INF [groups] change committed group=1a2b3c4d revision=4
//
// The component attribute becomes the bracketed prefix. Values containing
// spaces are quoted. Level tags are colored when w is a terminal.
type PrettyHandler struct {
	level     slog.Leveler
	w         io.Writer
	mu        *sync.Mutex
	component string
	attrs     []slog.Attr
	prefix    string
	color     bool
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &PrettyHandler{level: level, w: w, mu: &sync.Mutex{}, color: isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format(time.TimeOnly))
	b.WriteByte(' ')
	b.WriteString(h.levelTag(r.Level))

	component := h.component
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && h.prefix == "" {
			component = a.Value.String()
			return true
		}
		attrs = append(attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
		return true
	})

	if component != "" {
		fmt.Fprintf(&b, " [%s]", component)
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	for _, a := range attrs {
		writeAttr(&b, a)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	v := a.Value.Resolve().String()
	if strings.ContainsAny(v, " \t\n\"=") {
		v = strconv.Quote(v)
	}
	fmt.Fprintf(b, " %s=%s", a.Key, v)
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(c.attrs, h.attrs)
	for _, a := range attrs {
		if a.Key == "component" && h.prefix == "" {
			c.component = a.Value.String()
			continue
		}
		c.attrs = append(c.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

func (h *PrettyHandler) levelTag(l slog.Level) string {
	var tag, color string
	switch {
	case l >= slog.LevelError:
		tag, color = "ERR", colorRed
	case l >= slog.LevelWarn:
		tag, color = "WRN", colorYellow
	case l >= slog.LevelInfo:
		tag, color = "INF", colorCyan
	default:
		tag, color = "DBG", colorGray
	}
	if !h.color {
		return tag
	}
	return color + tag + colorReset
}
