package httpapi

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireAPIKey checks the key against the configured bcrypt hash. Without a
// hash the routes are open.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeyHash) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := extractKey(r)
		if key == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing api key")
			return
		}
		if err := bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(key)); err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return r.URL.Query().Get("api_key")
}
