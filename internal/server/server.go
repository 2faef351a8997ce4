// ABOUTME: Server orchestrator that wires the store, relay, and collab services
// ABOUTME: Owns the HTTP server and drives graceful shutdown of all components

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/forge3d/studio-relay/internal/auth"
	"github.com/forge3d/studio-relay/internal/collab"
	"github.com/forge3d/studio-relay/internal/config"
	"github.com/forge3d/studio-relay/internal/relay"
	"github.com/forge3d/studio-relay/internal/store"
)

// Server orchestrates the studio-relay components: the token store, the agent
// relay, the collab coordinator, and the HTTP server that fronts them.
type Server struct {
	config     *config.Config
	store      *store.SQLiteStore
	gate       *auth.Gate
	relay      *relay.Service
	collab     *collab.Service
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates the store based on config and environment.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("STUDIO_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a fully wired server from the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	gate := auth.NewGate(verifier, st)

	relaySvc := relay.NewService(relay.Config{
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		ConnectionTimeout: cfg.Relay.ConnectionTimeout,
		CallTimeout:       cfg.Relay.CallTimeout,
	}, gate, st, logger.With("component", "relay"))

	collabSvc := collab.NewService(collab.Config{
		LockTTL:       cfg.Collab.LockTimeout,
		SweepInterval: cfg.Collab.SweepInterval,
	}, logger.With("component", "collab"))

	s := &Server{
		config: cfg,
		store:  st,
		gate:   gate,
		relay:  relaySvc,
		collab: collabSvc,
		logger: logger,
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)

	// WebSocket endpoints authenticate in-band: the agent socket via its
	// auth frame, the collab socket via its credential before upgrade.
	mux.HandleFunc("/ws/agent", s.handleAgentSocket)
	mux.HandleFunc("/ws/collab", s.handleCollabSocket)

	// API endpoints - JWT bearer auth
	requireAuth := auth.HTTPAuthMiddleware(gate)
	mux.Handle("/api/agent/status", requireAuth(http.HandlerFunc(s.handleAgentStatus)))
	mux.Handle("/api/tools/execute", requireAuth(http.HandlerFunc(s.handleExecuteTool)))
	mux.Handle("/api/agents", requireAuth(http.HandlerFunc(s.handleListAgents)))
	mux.Handle("/api/sessions/", requireAuth(http.HandlerFunc(s.handleSessionState)))

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Run starts the server and blocks until the context is canceled or a server
// error occurs. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting studio-relay", "http_addr", s.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	s.relay.Start()
	s.collab.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and both services, then closes
// the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down studio-relay")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.relay.Stop()
	s.collab.Stop()

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	n := s.relay.Registry().Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
