package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ersinkoc/gamificationkit"
	"github.com/ersinkoc/gamificationkit/catalog"
	"github.com/ersinkoc/gamificationkit/logging"
)

// Server is the HTTP adapter onto a Kit (core spec §6). It owns a chi
// router and a graceful http.Server, following the teacher's
// modules/httpserver Start/Stop lifecycle: Start launches the listener on
// a goroutine, Stop drains in-flight requests against a bounded timeout.
type Server struct {
	cfg     Config
	kit     *gamificationkit.Kit
	catalog *catalog.Catalog
	logger  logging.Logger
	limiter *rateLimiter

	router chi.Router

	mu      sync.Mutex
	server  *http.Server
	started bool
}

// New builds a Server bound to kit and cat. cat may be nil if the catalog
// routes (§6 "/badges|levels|quests") are not needed.
func New(cfg Config, kit *gamificationkit.Kit, cat *catalog.Catalog, logger logging.Logger) *Server {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.Noop{}
	}
	s := &Server{cfg: cfg, kit: kit, catalog: cat, logger: logger}
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, cfg.RateLimitWindow)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the fully-wired http.Handler, useful for embedding this
// adapter inside a larger mux or for tests via httptest.
func (s *Server) Handler() http.Handler { return s.router }

// MountWS mounts h (typically a *wsapi.Server) at <BasePath>/ws, per core
// spec §6's single fixed route table. Kept as a post-construction method
// rather than a New() parameter so httpapi does not need to import wsapi:
// the caller wires both adapters together, same as it wires Options.HTTP
// and Options.WS on the Kit itself.
func (s *Server) MountWS(h http.Handler) {
	s.router.Handle(s.cfg.BasePath+"/ws", h)
}

// Start launches the HTTP listener on a background goroutine. Errors other
// than a clean shutdown are reported to the logger, matching the teacher's
// modules/httpserver.Start which cannot return a synchronous error once
// the listener goroutine has been launched.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.started = true

	go func() {
		s.logger.Info("starting http server", "addr", s.cfg.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Stop gracefully drains the server, bounded by cfg.ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	s.started = false
	return nil
}
