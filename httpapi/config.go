// Package httpapi is the thin HTTP adapter onto the Kit (core spec §6):
// request routing, API-key auth, CORS, and IP-based rate limiting dispatch
// onto gamificationkit.Kit methods. No gamification logic lives here.
//
// Grounded on the teacher's modules/httpserver (graceful http.Server
// start/stop with configurable timeouts) and modules/chimux (chi.Router
// wiring), folded into one package since this engine has a single fixed
// route table rather than the teacher's dynamically-composed router
// service.
package httpapi

import "time"

// Config configures the HTTP adapter (core spec §6 "Conventions").
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// BasePath prefixes every route; default "/gamification".
	BasePath string

	// APIKey, if non-empty, is required via the X-API-Key header on every
	// request except GET /health.
	APIKey string

	// CORSEnabled turns on permissive CORS headers for browser clients.
	CORSEnabled      bool
	CORSAllowOrigins []string

	// RateLimit is the token-bucket size per client IP; RateLimitWindow is
	// the refill window. Zero RateLimit disables rate limiting.
	RateLimit       int
	RateLimitWindow time.Duration

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.BasePath == "" {
		c.BasePath = "/gamification"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.RateLimit > 0 && c.RateLimitWindow == 0 {
		c.RateLimitWindow = time.Minute
	}
}
