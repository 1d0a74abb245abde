package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// responseMeter captures the status and body size for the request log.
type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (m *responseMeter) WriteHeader(code int) {
	m.status = code
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeter) Write(b []byte) (int, error) {
	n, err := m.ResponseWriter.Write(b)
	m.bytes += n
	return n, err
}

// RequestLogger emits one structured line per request. Report ingest is
// high-volume, so the line stays small: method, path, outcome, timing.
// Bodies and headers never reach the log.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		meter := &responseMeter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(meter, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", meter.status,
			"bytes", meter.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
