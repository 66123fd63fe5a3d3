package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"acta/pkg/requestcontext"
)

// Recover converts handler panics into 500 responses. The panic is also
// recorded on the ambient failure scope so the audit trail reflects it.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					ctx := r.Context()
					logger.ErrorContext(ctx, "panic recovered",
						"panic", rec,
						"correlation_id", requestcontext.CorrelationID(ctx),
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					requestcontext.SetFailure(ctx, "internal server error", "panic")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal","error_description":"Internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
