package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"acta/internal/jwttoken"
	"acta/pkg/requestcontext"
)

// TokenValidator defines the interface for validating access tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (*jwttoken.Claims, error)
}

// RequireAuth rejects requests without a valid bearer token and installs the
// authenticated identity into the request context.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			if token, ok := strings.CutPrefix(authHeader, bearerPrefix); ok {
				claims, err := validator.ValidateToken(token)
				if err != nil {
					ctx := r.Context()
					logger.WarnContext(ctx, "unauthorized access - invalid token",
						"error", err,
						"correlation_id", requestcontext.CorrelationID(ctx),
					)
					writeUnauthorized(w, "Invalid or expired token")
					return
				}

				ctx := requestcontext.WithIdentity(r.Context(), claims.UserID, claims.Email, claims.TenantID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// No Authorization header or invalid format
			ctx := r.Context()
			logger.WarnContext(ctx, "unauthorized access - missing token",
				"correlation_id", requestcontext.CorrelationID(ctx),
			)
			writeUnauthorized(w, "Missing or invalid Authorization header")
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
}
