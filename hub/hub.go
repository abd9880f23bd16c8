// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/domlens/domlens/hub/api"
	"github.com/domlens/domlens/hub/auth"
	"github.com/domlens/domlens/hub/config"
	"github.com/domlens/domlens/hub/registry"
	"github.com/domlens/domlens/hub/router"
	"github.com/domlens/domlens/hub/session"
	"github.com/domlens/domlens/hub/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	binder   *session.Binder
	monitor  *registry.Monitor
	router   *router.Router
	api      *api.Server
	logger   *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	reg := registry.New(logger)
	binder := session.New(logger)
	// Session cleanup follows the last connection of a user going away.
	reg.Subscribe(binder)

	monitor := registry.NewMonitor(reg, cfg.Liveness.PingInterval.Duration, logger)

	rt := router.New(reg, binder, db, authProvider, logger, router.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		PingInterval:      cfg.Liveness.PingInterval.Duration,
		HeartbeatInterval: cfg.Liveness.HeartbeatInterval.Duration,
		MaxMessageBytes:   cfg.Liveness.MaxMessageBytes,
		MaxConnsPerUser:   cfg.Session.MaxConnsPerUser,
	})

	apiSrv := api.NewServer(reg, binder, db, authProvider, rt, cfg, logger)

	h := &Hub{
		cfg:      cfg,
		store:    db,
		registry: reg,
		binder:   binder,
		monitor:  monitor,
		router:   rt,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	if authProvider == nil {
		logger.Warn("no auth provider configured, trusting client-supplied user ids (development only)")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	go h.monitor.Run(ctx)

	h.api.StartBackgroundTasks(ctx)

	if h.cfg.Storage.Retention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		h.registry.CloseAll()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldSelections(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: selections failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old selections", "count", n)
			}
			if n, err := h.store.PurgeOldConnectionEvents(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge: connection events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old connection events", "count", n)
			}
		}
	}
}
