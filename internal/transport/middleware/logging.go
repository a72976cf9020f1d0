package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
)

// sensitiveParams are query/form parameter names whose values must never
// reach the logs: gateway signatures, merchant secrets, bearer tokens.
var sensitiveParams = []string{
	"signaturevalue",
	"signature",
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
}

func LoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			logger.Info("incoming request",
				"request_id", reqID,
				"method", r.Method,
				"path", r.URL.Path,
				"query", filterSensitiveQuery(r.URL.Query()),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent())

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			statusCode := ww.Status()
			if statusCode == 0 {
				statusCode = http.StatusOK
			}

			logLevel := slog.LevelInfo
			if statusCode >= 400 && statusCode < 500 {
				logLevel = slog.LevelWarn
			} else if statusCode >= 500 {
				logLevel = slog.LevelError
			}

			logger.Log(r.Context(), logLevel, "response",
				"request_id", reqID,
				"status_code", statusCode,
				"duration_ms", duration.Milliseconds(),
				"response_size", ww.BytesWritten())
		})
	}
}

func filterSensitiveQuery(values url.Values) string {
	filtered := url.Values{}
	for name, vals := range values {
		if isSensitiveParam(name) {
			filtered.Set(name, "[FILTERED]")
			continue
		}
		for _, v := range vals {
			filtered.Add(name, v)
		}
	}
	return filtered.Encode()
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveParams {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
