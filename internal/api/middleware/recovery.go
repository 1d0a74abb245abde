package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/opserve/errlog/internal/api/response"
)

// Recovery converts a handler panic into a 500 response. The panic is
// logged directly and never fed back through the capture pipeline: an
// ingest service that reports its own failures to itself can wedge on
// exactly the errors it most needs to surface.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				// The server uses this sentinel to abort the connection.
				panic(rec)
			}
			slog.Error("handler panic",
				"panic", rec,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
