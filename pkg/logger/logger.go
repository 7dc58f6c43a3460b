package logger

import (
	"context"
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. Local and dev
// environments log at debug; debug=true forces debug anywhere, which
// pairs with the schema validator's verbose mode.
func New(env string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug || env == "local" || env == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

type ctxKey struct{}

// With stores a logger in context. The ingest workers use this to carry
// the request-scoped logger into the detached persistence context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
