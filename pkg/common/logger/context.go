package logger

import "context"

// LoggerContext accumulates key/value attributes over the course of an
// operation so that log lines emitted later in the flow automatically carry
// context discovered earlier (ids parsed from a payload, derived state, etc).
// It is not safe for concurrent use; scope one per operation.
type LoggerContext struct {
	logger *Logger
	args   []any
}

// NewLoggerContext wraps the provided logger in an attribute accumulator.
func NewLoggerContext(logger *Logger) *LoggerContext {
	return &LoggerContext{logger: logger}
}

// Add appends key/value pairs that will be attached to every subsequent
// log call made through this context.
func (lc *LoggerContext) Add(args ...any) { lc.args = append(lc.args, args...) }

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.Debug(ctx, msg, lc.merged(args)...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.Info(ctx, msg, lc.merged(args)...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.Warn(ctx, msg, lc.merged(args)...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.Error(ctx, msg, lc.merged(args)...)
}

func (lc *LoggerContext) merged(args []any) []any {
	if len(lc.args) == 0 {
		return args
	}
	out := make([]any, 0, len(lc.args)+len(args))
	out = append(out, lc.args...)
	return append(out, args...)
}
