package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware enforces static API-key auth. With no keys configured every
// request passes. With keys, mutating requests always need one; reads pass
// without a key only when AllowAnonymousRead is set. The /metrics endpoint
// follows the read rule so scrapers work without credentials.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.APIKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead
		if readOnly && s.cfg.AllowAnonymousRead {
			next.ServeHTTP(w, r)
			return
		}

		if !s.authorized(requestKey(r)) {
			s.logger.Warn("unauthorized request", "method", r.Method, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestKey extracts the presented key from X-API-Key or a bearer token.
func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

// authorized compares the presented key against every configured key in
// constant time.
func (s *Server) authorized(presented string) bool {
	if presented == "" {
		return false
	}
	ok := false
	for _, key := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}
