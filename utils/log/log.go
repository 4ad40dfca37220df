package log

import (
	"context"

	"go.uber.org/zap"
)

type key int

const (
	contextKey key = iota
)

const (
	// EnvLocal selects a human readable development logger
	EnvLocal = "local"
	// EnvProd selects a JSON production logger
	EnvProd = "prod"
)

// New builds a logger for the environment. EnvLocal
// gets a development logger. Anything else gets a
// production logger.
func New(env string) (*zap.Logger, error) {
	switch env {
	case EnvLocal:
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}

// WithContext enriches the logger with fields from the context
func WithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	return logger.With(Fields(ctx)...)
}

// WithFields adds log fields to the context
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, contextKey, append(Fields(ctx), fields...))
}

// Fields extracts log fields from the context
func Fields(ctx context.Context) []zap.Field {
	rawFields := ctx.Value(contextKey)

	if rawFields == nil {
		return []zap.Field{}
	}

	fields, ok := rawFields.([]zap.Field)

	if !ok {
		return []zap.Field{}
	}

	return fields
}
