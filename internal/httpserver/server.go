// Package httpserver serves the loopback health and status endpoints of the
// daemon.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/al-bashkir/otp-credential-auth/internal/config"
	"github.com/al-bashkir/otp-credential-auth/internal/offline"
	"github.com/al-bashkir/otp-credential-auth/internal/ratelimit"
	"github.com/al-bashkir/otp-credential-auth/internal/session"
)

// Server is the HTTP server for health and status checks
type Server struct {
	addr       string
	version    string
	httpServer *http.Server
	mux        *http.ServeMux
	limiter    *ratelimit.Keyed
	store      *offline.Store
	sessionMgr *session.Manager
}

// NewServer creates a new HTTP server. store and sessionMgr may be nil, in
// which case the related fields are reported as zero.
func NewServer(cfg *config.Config, store *offline.Store, sessionMgr *session.Manager, version string) *Server {
	s := &Server{
		addr:       cfg.Listen.HTTP,
		version:    version,
		mux:        http.NewServeMux(),
		limiter:    ratelimit.New(10, 50), // 10 requests per second per IP, burst of 50
		store:      store,
		sessionMgr: sessionMgr,
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)

	handler := chain(s.mux, noStore, s.limitPerClient, recoverPanic, accessLog)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen.HTTP,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
