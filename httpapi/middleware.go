package httpapi

import (
	"net"
	"net/http"
	"strings"
)

// withAPIKey enforces X-API-Key when s.cfg.APIKey is set. GET /health is
// exempt so orchestration probes never need a credential.
func (s *Server) withAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" || (r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/health")) {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing X-API-Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS adds permissive CORS headers when enabled (core spec §6
// "CORS headers when enabled").
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORSEnabled {
			origin := "*"
			if len(s.cfg.CORSAllowOrigins) > 0 {
				origin = strings.Join(s.cfg.CORSAllowOrigins, ", ")
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit returns HTTP 429 once a client IP exceeds the configured
// window budget (core spec §6 "IP-based token-bucket rate limiting").
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
