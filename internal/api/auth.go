// =============================================================================
// BEARER AUTH - Static API-key middleware
// =============================================================================
//
// When keys are configured, every /api request except health checks must
// carry one, either as "Authorization: Bearer <key>" or as the raw key.
// Comparison is constant-time so timing does not leak key prefixes.
//
// =============================================================================

package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// bearerAuth returns a middleware enforcing the configured keys. An empty
// key list disables auth entirely.
func bearerAuth(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/health") {
				next.ServeHTTP(w, r)
				return
			}

			presented := r.Header.Get("Authorization")
			presented = strings.TrimPrefix(presented, "Bearer ")
			if presented == "" || !keyMatches(presented, keys) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(errorBody{Error: "missing or invalid API key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func keyMatches(presented string, keys []string) bool {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(k)) == 1 {
			return true
		}
	}
	return false
}
