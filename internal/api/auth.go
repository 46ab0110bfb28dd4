package api

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// RequireOperatorKey guards operator endpoints with an API key supplied in
// the X-API-Key header and checked against a bcrypt hash. An empty hash
// disables the endpoints entirely rather than leaving them open.
func RequireOperatorKey(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				writeError(w, http.StatusServiceUnavailable, "operator endpoints not configured")
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeError(w, http.StatusUnauthorized, "api key required")
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
				slog.Warn("operator auth failed", "remote", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
