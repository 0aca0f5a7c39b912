// Package controlapi implements the loopback-only HTTP control plane of
// section 6.3: every asynchronous verb of the Transfer Engine, exposed over
// chi, token-authenticated, and audit-logged. Grounded on the teacher's two
// divergent prototypes (internal/api/server.go's chi+token+loopback
// middleware chain, internal/core/server.go's plain-mux+hardcoded-token
// server) consolidated into one server that keeps the former's routing
// style and replaces the latter's hardcoded token with a random one
// persisted on first use (config.Store.ControlAPIToken).
package controlapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tachyon-core/internal/auditlog"
	"tachyon-core/internal/config"
	"tachyon-core/internal/engine"
)

// Server is the loopback control-plane HTTP surface.
type Server struct {
	engine *engine.TransferEngine
	cfg    *config.Store
	audit  *auditlog.Log
	logger *slog.Logger

	router      *chi.Mux
	httpServer  *http.Server
	activeReqs  int64
	maxInFlight int64
}

// New builds a Server wired to the given Transfer Engine and settings
// store. maxInFlight bounds concurrent control-plane requests, mirroring
// the teacher's concurrencyLimitMiddleware.
func New(e *engine.TransferEngine, cfg *config.Store, audit *auditlog.Log, logger *slog.Logger, maxInFlight int64) *Server {
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	s := &Server{
		engine:      e,
		cfg:         cfg,
		audit:       audit,
		logger:      logger,
		router:      chi.NewRouter(),
		maxInFlight: maxInFlight,
	}
	s.setupRoutes()
	return s
}

// Start binds to 127.0.0.1:port and serves in the background. Enforces
// loopback at the listener level as a second layer below the per-request
// securityMiddleware check, matching the teacher's belt-and-suspenders
// approach in internal/api/server.go's Start.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control api: bind %s: %w", addr, err)
	}

	s.httpServer = &http.Server{Handler: s.router}
	go func() {
		s.logger.Info("control api listening", "addr", addr)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control api failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/downloads", s.handleStartDownload)
	s.router.Get("/v1/downloads", s.handleListDownloads)
	s.router.Get("/v1/downloads/{id}", s.handleGetDownload)
	s.router.Post("/v1/downloads/{id}/control", s.handleControl)
	s.router.Delete("/v1/downloads/{id}", s.handleRemove)
	s.router.Get("/v1/search", s.handleSearch)
	s.router.Get("/v1/events", s.handlePollEvents)
	s.router.Post("/v1/events/subscribe", s.handleSubscribe)
	s.router.Post("/v1/settings/max_concurrent", s.handleSetMaxConcurrent)
	s.router.Post("/v1/settings/bandwidth_limit", s.handleSetBandwidthLimit)
	s.router.Get("/v1/status", s.handleStatus)
}

// securityMiddleware enforces loopback origin and token auth via the
// X-Tachyon-Token header,
// auditing every decision, exactly as the teacher's securityMiddleware does
// (minus the feature-flag check: this server is only ever constructed and
// started when the control plane is enabled).
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Record(sourceIP, userAgent, action, http.StatusForbidden, "non-loopback origin denied")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		expected, err := s.cfg.ControlAPIToken()
		if err != nil {
			s.audit.Record(sourceIP, userAgent, action, http.StatusInternalServerError, "token unavailable")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		token := r.Header.Get("X-Tachyon-Token")
		if token != expected {
			s.audit.Record(sourceIP, userAgent, action, http.StatusUnauthorized, "invalid token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Record(sourceIP, userAgent, action, http.StatusOK, "authorized")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > s.maxInFlight {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
