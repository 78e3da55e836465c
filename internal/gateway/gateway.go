// ABOUTME: Gateway orchestrator wiring config, store, sessions, and HTTP.
// ABOUTME: Manages server lifecycle, health endpoints, and graceful shutdown.

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/parleyhq/parley-gateway/internal/agent"
	"github.com/parleyhq/parley-gateway/internal/config"
	"github.com/parleyhq/parley-gateway/internal/session"
	"github.com/parleyhq/parley-gateway/internal/store"
	"github.com/parleyhq/parley-gateway/internal/tools"
)

// Gateway owns the HTTP server and the components behind it: the session
// registry holding live agent connections and the store persisting usage.
type Gateway struct {
	config     *config.Config
	registry   *session.Registry
	store      *store.SQLiteStore
	httpServer *http.Server
	logger     *slog.Logger

	// closing flips when shutdown begins; readiness reports 503 after.
	closing atomic.Bool
}

// initStore creates the store from config, honoring PARLEY_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PARLEY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway instance with the given configuration. It opens
// the store and builds the Anthropic dialer, but does not listen yet.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	dialer := agent.NewAnthropicDialer(agent.AnthropicConfig{
		APIKey:       cfg.Agent.APIKey,
		Model:        cfg.Agent.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxTokens:    cfg.Agent.MaxTokens,
		Tools:        tools.GeneralTools(),
		Logger:       logger.With("component", "agent"),
	})

	return newGateway(cfg, dialer, s, logger), nil
}

// newGateway assembles a Gateway around an already-built dialer and
// store. Tests use this directly to inject fakes.
func newGateway(cfg *config.Config, dialer agent.Dialer, s *store.SQLiteStore, logger *slog.Logger) *Gateway {
	registry := session.New(dialer, session.Options{
		IdleTimeout:   cfg.Sessions.IdleTimeout,
		SweepInterval: cfg.Sessions.SweepInterval,
		MaxSessions:   cfg.Sessions.MaxSessions,
		CreateMissing: cfg.Sessions.CreateMissing,
		Logger:        logger,
	})

	gw := &Gateway{
		config:   cfg,
		registry: registry,
		store:    s,
		logger:   logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc("/api/chat", gw.handleChat)
	mux.HandleFunc("/api/query", gw.handleQuery)
	mux.HandleFunc("/api/sessions", gw.handleSessions)
	mux.HandleFunc("/api/sessions/", gw.handleSessionByID)
	mux.HandleFunc("/api/stats/usage", gw.handleUsageStats)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw
}

// Run starts the HTTP server and blocks until the context is canceled or
// the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, drains in-flight turns through the
// session registry, and closes the store. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closing.Store(true)
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "session registry shutdown", g.registry.Shutdown(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway is accepting turns.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.closing.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", len(g.registry.List()))
}
