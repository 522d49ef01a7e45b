package authz

import (
	"crypto/subtle"
	"net/http"
)

const InternalTokenHeader = "X-Internal-Token"

// RequireInternalToken guards service-to-service routes with a shared token.
// An empty configured token disables the routes entirely.
func RequireInternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "internal routes are disabled", http.StatusForbidden)
				return
			}
			got := r.Header.Get(InternalTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "invalid internal token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
