package server

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// ErrPanicRecovered indicates a handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in admin handler")

// statusRecorder captures the response status code for logging, since
// http.ResponseWriter doesn't expose what WriteHeader was called with.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs every request's method, path, status, and
// duration. Log level is Info for 2xx/3xx responses and Warn otherwise.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		}

		if rec.status >= 400 {
			logger.LogAttrs(r.Context(), slog.LevelWarn, "request completed with error", attrs...)
		} else {
			logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
		}
	})
}

// RecoveryMiddleware recovers a panicking handler, logs the panic value
// and a stack trace at Error level, and returns HTTP 500 instead of
// crashing the daemon's admin listener.
func RecoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)

				logger.ErrorContext(r.Context(), "panic recovered in admin handler",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(buf[:n])),
				)

				writeError(w, http.StatusInternalServerError, ErrPanicRecovered)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
