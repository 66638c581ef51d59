package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// contextKey keeps the package's context values collision-free
type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
	orgIDKey     contextKey = "org_id"
)

// WithContext attaches the logger to the context
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger attached to the context, or a no-op logger
// so call sites never need a nil check.
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// WithRequestID stores the request ID and returns a logger carrying it as a
// request_id field.
func WithRequestID(ctx context.Context, logger *zap.Logger, requestID string) (context.Context, *zap.Logger) {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	scoped := logger.With(zap.String("request_id", requestID))
	return WithContext(ctx, scoped), scoped
}

// WithOrgID stores the organization ID and returns a logger carrying it as an
// org_id field.
func WithOrgID(ctx context.Context, logger *zap.Logger, orgID string) (context.Context, *zap.Logger) {
	ctx = context.WithValue(ctx, orgIDKey, orgID)
	scoped := logger.With(zap.String("org_id", orgID))
	return WithContext(ctx, scoped), scoped
}

// GetRequestID returns the request ID stored in the context, if any
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetOrgID returns the organization ID stored in the context, if any
func GetOrgID(ctx context.Context) string {
	if orgID, ok := ctx.Value(orgIDKey).(string); ok {
		return orgID
	}
	return ""
}

// WithTraceContext enriches the logger with trace_id and span_id from the
// active span, so log lines can be joined with traces. Without a valid span
// the logger is returned unchanged.
func WithTraceContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		zap.String("trace_id", spanCtx.TraceID().String()),
		zap.String("span_id", spanCtx.SpanID().String()),
	)
}
