package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// statusRecorder captures the status code and response size.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// DefaultQuietPaths are served without an access log line.
var DefaultQuietPaths = []string{"/health", "/metrics"}

// Logging stores a request-scoped logger in the context and writes one
// access log line per request: Error for 5xx, Warn for 4xx, Info otherwise.
// Requests to quietPaths still get the scoped logger but no access line.
//
// It must run inside RequestID so the id is available.
func Logging(logger *logging.Logger, quietPaths ...string) func(http.Handler) http.Handler {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			reqLogger := logger
			if id := RequestIDFromContext(r.Context()); id != "" {
				reqLogger = reqLogger.WithRequestID(id)
			}
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if quiet[r.URL.Path] {
				return
			}

			entry := reqLogger.WithFields(
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.statusCode,
				"size_bytes", rec.size,
				"client_ip", clientIP(r),
				"user_agent", r.UserAgent(),
			).WithDuration(time.Since(start))
			if r.URL.RawQuery != "" {
				entry = entry.WithFields("query", r.URL.RawQuery)
			}

			const message = "HTTP request processed"
			switch {
			case rec.statusCode >= 500:
				entry.Error(message)
			case rec.statusCode >= 400:
				entry.Warn(message)
			default:
				entry.Info(message)
			}
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
