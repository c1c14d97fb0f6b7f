package traceutil

import (
	"context"

	"go.uber.org/zap"
)

type connIDKey struct{}

// WithConnID sets the connection ID into the context.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey{}, connID)
}

// ConnID returns the connection ID from the context.
func ConnID(ctx context.Context) string {
	if connID, ok := ctx.Value(connIDKey{}).(string); ok {
		return connID
	}
	return ""
}

// Logger returns logger annotated with the connection ID of ctx, if any.
func Logger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if connID := ConnID(ctx); connID != "" {
		return logger.With(zap.String("conn-id", connID))
	}
	return logger
}
