// Package logging wraps slog with the attributes the group ledger logs
// everywhere: the group, the acting member, the revision and the component.
//
// Identifiers are abbreviated so a line stays readable; the full values are
// in the store when they are needed.
package logging

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/google/uuid"

	"github.com/gezibash/arc-groups/pkg/group"
)

// Logger is an immutable slog.Logger carrying ledger attributes. Every
// With method returns a new Logger and leaves the receiver unchanged.
type Logger struct {
	base *slog.Logger
}

// New wraps base. A nil base follows slog.Default at the time of the call.
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{base: base}
}

// With returns a Logger that adds attrs to every record.
func (l *Logger) With(attrs ...slog.Attr) *Logger {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return &Logger{base: l.base.With(args...)}
}

// WithGroup tags records with the abbreviated group identifier. It is not
// slog's WithGroup: it adds an attribute, not a key namespace.
func (l *Logger) WithGroup(id group.ID) *Logger {
	return l.With(slog.String("group", id.Short()))
}

// WithACI tags records with a member under key, e.g. "self" or "editor".
func (l *Logger) WithACI(key string, aci uuid.UUID) *Logger {
	return l.With(slog.String(key, FormatACI(aci)))
}

func (l *Logger) WithRevision(rev uint32) *Logger {
	return l.With(slog.Uint64("revision", uint64(rev)))
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With(slog.String("component", name))
}

func (l *Logger) WithError(err error) *Logger {
	return l.With(slog.String("error", err.Error()))
}

func (l *Logger) Debug(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.base.Log(context.Background(), slog.LevelError, msg, args...)
}

// DebugContext and the other Context variants let trace-aware handlers
// pick the span out of ctx.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelError, msg, args...)
}

// FormatACI returns the first block of an ACI, enough to tell members apart
// in logs.
func FormatACI(aci uuid.UUID) string {
	return aci.String()[:8]
}

// FormatBytes returns a shortened hex representation of key material or
// signatures.
func FormatBytes(b []byte) string {
	if len(b) < 8 {
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b[:8]) + "..."
}
