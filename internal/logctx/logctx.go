// Package logctx carries a request- or component-scoped slog.Logger through
// context.Context so long-lived loops and handlers log with their bound
// attributes instead of the process-wide default.
package logctx

import (
	"context"
	"log/slog"
)

type loggerKey struct{}

// WithLogger binds logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// WithComponent binds a copy of the context logger carrying a "component"
// attribute. The activity log filters on this attribute.
func WithComponent(ctx context.Context, component string) context.Context {
	return WithLogger(ctx, LoggerFromContext(ctx).With(slog.String("component", component)))
}

// LoggerFromContext returns the logger bound to ctx, falling back to
// slog.Default() when none was bound.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}
