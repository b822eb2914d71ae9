package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// withCORS applies the CORS rules in spec §4.7: corsAllowOrigin is a
// comma-separated allowlist, "*" (the default) sends a literal "*", and a
// specific-list match sets Vary: Origin so caches don't mix responses for
// different origins.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsOrigins == nil {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && containsString(s.corsOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "authorization,content-type")

		next.ServeHTTP(w, r)
	})
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// apiAuth gates /api/* routes other than ingest: permissive when neither a
// bearer token nor basic credentials are configured, otherwise the
// request must satisfy at least one.
func (s *Server) apiAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.apiAuthConfigured() {
			next.ServeHTTP(w, r)
			return
		}
		if s.satisfiesAPIAuth(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *Server) apiAuthConfigured() bool {
	return s.deps.APIToken != "" || (s.deps.AuthUsername != "" && s.deps.AuthPassword != "")
}

func (s *Server) satisfiesAPIAuth(r *http.Request) bool {
	if s.deps.APIToken != "" {
		if token, ok := bearerTokenFromRequest(r); ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.APIToken)) == 1 {
			return true
		}
	}
	if s.deps.AuthUsername != "" && s.deps.AuthPassword != "" {
		if user, pass, present := r.BasicAuth(); present &&
			subtle.ConstantTimeCompare([]byte(user), []byte(s.deps.AuthUsername)) == 1 &&
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.deps.AuthPassword)) == 1 {
			return true
		}
	}
	return false
}

func bearerTokenFromRequest(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
