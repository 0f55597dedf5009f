package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// TraceHeader carries a caller supplied trace id.
const TraceHeader = "X-Trace-ID"

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context, or the default logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// TraceID returns the trace id stored in ctx, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context, traceID string) (context.Context, zerolog.Logger) {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	l := FromContext(ctx).With().Str("trace_id", traceID).Logger()
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return l.WithContext(ctx), l
}

// ProtectiveContext creates a logger for protective order operations.
func ProtectiveContext(l zerolog.Logger, symbol, side, kind string) zerolog.Logger {
	return l.With().Str("symbol", symbol).Str("side", side).Str("kind", kind).Logger()
}

// SignalContext creates a logger for strategy scans.
func SignalContext(l zerolog.Logger, handle, symbol, timeframe string) zerolog.Logger {
	return l.With().Str("scan", handle).Str("symbol", symbol).Str("timeframe", timeframe).Logger()
}

// GinMiddleware attaches a traced request logger to the request context and
// logs each completed request.
func GinMiddleware(base zerolog.Logger) gin.HandlerFunc {
	base = base.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		ctx, l := WithTraceContext(NewContext(c.Request.Context(), base), c.GetHeader(TraceHeader))
		c.Request = c.Request.WithContext(ctx)
		c.Header(TraceHeader, TraceID(ctx))

		c.Next()

		status := c.Writer.Status()
		ev := l.Info()
		switch {
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status_code", status).
			Str("remote_addr", c.ClientIP()).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	}
}
