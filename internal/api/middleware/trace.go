// Package middleware contains HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/chalford/parchment-api/internal/api/shared"
	"github.com/chalford/parchment-api/internal/platform/logger"
)

// TraceMiddleware adds a trace ID and a trace-scoped logger to the request
// context. This middleware should be applied early in the middleware chain so
// that all subsequent handlers have access to the trace ID.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		traceID := shared.GetTraceID(ctx)

		log := slog.With(slog.String("trace_id", traceID))
		ctx = logger.WithLogger(ctx, log)

		log.Debug("request started",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
