// Package daemon wires the login engine, the offline store and the servers
// the login shell and operators talk to.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/al-bashkir/otp-credential-auth/internal/config"
	"github.com/al-bashkir/otp-credential-auth/internal/httpserver"
	"github.com/al-bashkir/otp-credential-auth/internal/ipc"
	"github.com/al-bashkir/otp-credential-auth/internal/login"
	"github.com/al-bashkir/otp-credential-auth/internal/offline"
	"github.com/al-bashkir/otp-credential-auth/internal/ratelimit"
	"github.com/al-bashkir/otp-credential-auth/internal/session"
	"github.com/al-bashkir/otp-credential-auth/internal/transport"
)

// Daemon represents the main daemon process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	store      *offline.Store
	limiter    *ratelimit.Keyed
	sessionMgr *session.Manager
	engine     *login.Engine
	httpServer *httpserver.Server // nil when listen.http is empty
	ipcServer  *ipc.Server
}

// New creates a new daemon with all components initialized. The offline
// store is loaded from disk; a missing or empty file starts an empty store.
func New(cfg *config.Config, version string) (*Daemon, error) {
	endpoint, err := transport.NewClient(context.Background(), &cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation client: %w", err)
	}

	slog.Info("validation client initialized",
		"url", cfg.Endpoint.URL,
		"oauth2", cfg.Endpoint.OAuth2.Enabled(),
	)

	store := offline.NewStore(cfg.Offline.FilePath, cfg.Offline.TryWindow)
	loadStore(store)

	limiter := ratelimit.New(ratelimit.PerMinute(cfg.Offline.MaxAttempts), cfg.Offline.Burst)

	sessionTimeout := time.Duration(cfg.Auth.SessionTimeout) * time.Second
	sessionMgr := session.NewManager(sessionTimeout)

	slog.Info("session manager initialized",
		"timeout", sessionTimeout,
	)

	d := &Daemon{
		cfg:        cfg,
		store:      store,
		limiter:    limiter,
		sessionMgr: sessionMgr,
		engine:     login.NewEngine(cfg, endpoint, store, limiter),
	}

	if cfg.Listen.HTTP != "" {
		d.httpServer = httpserver.NewServer(cfg, store, sessionMgr, version)
		slog.Info("HTTP server initialized", "listen", cfg.Listen.HTTP)
	}

	d.ipcServer = ipc.NewServer(cfg.Listen.Socket, d.handleRequest)

	slog.Info("IPC server initialized",
		"socket", cfg.Listen.Socket,
	)

	return d, nil
}

func loadStore(store *offline.Store) {
	err := store.Load()
	switch {
	case err == nil:
		slog.Info("offline data loaded", "file", store.Path(), "entries", store.Len())
	case errors.Is(err, offline.ErrFileNotExist), errors.Is(err, offline.ErrFileEmpty):
		slog.Info("no offline data on disk", "file", store.Path())
	default:
		// The file is rewritten at the next save; logins must keep working.
		slog.Error("offline data could not be read, starting empty",
			"file", store.Path(),
			"error", err,
		)
	}
}

// Run starts all daemon components and blocks until a shutdown signal is
// received or ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting OTP credential daemon")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start IPC server synchronously to catch startup errors
	if err := d.ipcServer.Start(ctx); err != nil {
		d.sessionMgr.Stop()
		d.limiter.Stop()
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	httpErrCh := make(chan error, 1)
	if d.httpServer != nil {
		go func() {
			if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- err
			}
			close(httpErrCh)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown requested", "reason", context.Cause(ctx))
	case err, ok := <-httpErrCh:
		if ok && err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	if err := d.shutdown(); err != nil {
		slog.Error("errors during shutdown", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	slog.Info("daemon shutdown complete")
	return runErr
}

// shutdown stops the servers, releases the running attempt and persists the
// offline store.
func (d *Daemon) shutdown() error {
	var result *multierror.Error

	if err := d.ipcServer.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop IPC server: %w", err))
	}

	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.httpServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop HTTP server: %w", err))
		}
	}

	d.sessionMgr.Stop()
	d.limiter.Stop()

	if err := d.store.Save(); err != nil {
		result = multierror.Append(result, fmt.Errorf("save offline data: %w", err))
	}

	return result.ErrorOrNil()
}

// saveStore persists the store after an attempt changed it. A consumed OTP
// must not become valid again if the daemon crashes.
func (d *Daemon) saveStore() {
	if err := d.store.Save(); err != nil {
		slog.Error("failed to save offline data", "file", d.store.Path(), "error", err)
	}
}
