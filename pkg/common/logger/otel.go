package logger

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// WithOTelBridge returns a Logger that, in addition to its own handler, feeds
// every record to the OpenTelemetry log bridge. Records then ship alongside
// traces whenever a global logger provider is configured; with none configured
// the bridge is a no-op.
func (l *Logger) WithOTelBridge(name string) *Logger {
	return &Logger{
		handler:   fanoutHandler{l.handler, otelslog.NewHandler(name)},
		traceIDFn: l.traceIDFn,
	}
}

// fanoutHandler duplicates records across handlers. Enabled reports true if any
// member would accept the record; Handle skips members that would not.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanoutHandler, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make(fanoutHandler, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
