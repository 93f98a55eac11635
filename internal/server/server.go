// Package server assembles the millrace control plane: the record store, the
// domain services, and the HTTP surface over them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/millrace/millrace/internal/api"
	"github.com/millrace/millrace/internal/breaker"
	"github.com/millrace/millrace/internal/config"
	"github.com/millrace/millrace/internal/contract"
	"github.com/millrace/millrace/internal/cost"
	"github.com/millrace/millrace/internal/idempotency"
	"github.com/millrace/millrace/internal/inference"
	"github.com/millrace/millrace/internal/pipeline"
	"github.com/millrace/millrace/internal/scaling"
	"github.com/millrace/millrace/internal/server/endpoints"
	"github.com/millrace/millrace/internal/store"
	"github.com/millrace/millrace/internal/svcctx"
	"github.com/millrace/millrace/internal/trace"
)

// Server is the millrace HTTP server. When the store is container-managed it
// also owns the Postgres container lifecycle, starting it on server start and
// stopping it on shutdown.
type Server struct {
	httpServer    *http.Server
	store         store.Store
	dockerManager *store.DockerManager
	configMgr     *config.Manager
	logger        *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services
	sink     *trace.Sink
	sweeper  *idempotency.Service

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	sweepInterval time.Duration

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Store is a pre-built record store. When nil the store is built from the
	// config manager's store section on Start.
	Store store.Store
	// DockerManager manages the Postgres container when the store is managed.
	DockerManager *store.DockerManager
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		store:         cfg.Store,
		dockerManager: cfg.DockerManager,
		configMgr:     cfg.ConfigManager,
		logger:        cfg.Logger,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{DockerManager: cfg.DockerManager}) {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(s.withIdempotency(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start starts the server and, for a managed store, the Postgres container.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	appCfg := s.appConfig()

	if s.store == nil {
		st, err := s.openStore(ctx, appCfg)
		if err != nil {
			s.setNotRunning()
			return err
		}
		s.store = st
	}

	if err := s.buildServices(ctx, appCfg); err != nil {
		s.setNotRunning()
		return err
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if s.sweepInterval > 0 {
		go s.sweeper.RunSweeper(ctx, s.sweepInterval)
	}

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// openStore builds the record store from the store config section, starting
// the managed Postgres container first when one is configured.
func (s *Server) openStore(ctx context.Context, appCfg *config.Config) (store.Store, error) {
	if appCfg.Store.Backend == "memory" {
		s.logger.Info("using in-memory record store")
		return store.NewMemory(), nil
	}

	databaseURL := config.ResolveEnvVars(appCfg.Store.DatabaseURL)
	if s.dockerManager != nil {
		if err := s.dockerManager.ValidateExisting(ctx); err != nil {
			return nil, fmt.Errorf("existing Postgres container incompatible: %w", err)
		}
		s.logger.Info("starting Postgres container")
		if err := s.dockerManager.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start Postgres: %w", err)
		}
		if err := s.dockerManager.WaitReady(ctx, 60*time.Second); err != nil {
			return nil, fmt.Errorf("Postgres never became ready: %w", err)
		}
		databaseURL = s.dockerManager.ConnString()
	}
	if databaseURL == "" {
		return nil, errors.New("store backend is postgres but no database URL is configured")
	}

	pg, err := store.NewPostgres(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to ensure database schema: %w", err)
	}
	s.logger.Info("connected to Postgres record store")
	return pg, nil
}

// buildServices wires the domain services over the opened store and exposes
// them to handlers through the request context.
func (s *Server) buildServices(ctx context.Context, appCfg *config.Config) error {
	contracts, err := contract.NewRegistry()
	if err != nil {
		return fmt.Errorf("failed to load stage contracts: %w", err)
	}

	breakerDefaults := appCfg.ToBreakerDefaults()
	breakerDefaults.Logger = s.logger
	breakers := breaker.NewRegistry(breakerDefaults)
	for name, override := range appCfg.BreakerOverrides() {
		breakers.Configure(name, override)
	}
	// Pre-create the breakers admission consults so they show up in listings
	// before the first call.
	for _, dep := range appCfg.Dependencies {
		breakers.GetOrCreate(dep)
	}

	costSvc := cost.NewService(cost.Config{
		Records:          s.store,
		Limits:           appCfg.ToCostLimits(),
		StageDailyLimits: appCfg.StageDailyLimits(),
		Logger:           s.logger,
	})

	engine := scaling.NewEngine(scaling.Config{
		Configs:      appCfg.ToStageConfigs(),
		Cost:         costSvc,
		Breakers:     breakers,
		Dependencies: appCfg.Dependencies,
		Logger:       s.logger,
	})

	ledger := pipeline.NewLedger(pipeline.LedgerConfig{
		Steps:  s.store,
		Logger: s.logger,
	})

	idemSvc := idempotency.NewService(idempotency.Config{
		Records:      s.store,
		TTL:          time.Duration(appCfg.Idempotency.TTLHours) * time.Hour,
		WaitAttempts: appCfg.Idempotency.WaitAttempts,
		WaitDelay:    time.Duration(appCfg.Idempotency.WaitDelayMs) * time.Millisecond,
		Logger:       s.logger,
	})
	s.sweeper = idemSvc
	s.sweepInterval = time.Duration(appCfg.Idempotency.SweepIntervalMin) * time.Minute

	infClient := buildInferenceClient(appCfg, breakers)
	s.logger.Info("inference client ready", "provider", infClient.Name())

	sink := trace.NewSink(trace.SinkConfig{
		Records:       s.store,
		BatchSize:     appCfg.Trace.BatchSize,
		FlushInterval: time.Duration(appCfg.Trace.FlushIntervalMs) * time.Millisecond,
		QueueSize:     appCfg.Trace.QueueSize,
		Logger:        s.logger,
	})
	sink.Start(ctx)
	s.sink = sink

	services := &svcctx.Services{
		Store:       s.store,
		Contracts:   contracts,
		Breakers:    breakers,
		Engine:      engine,
		Cost:        costSvc,
		Ledger:      ledger,
		Idempotency: idemSvc,
		Inference:   infClient,
		Sink:        sink,
		TraceConfig: trace.Config{
			Sink:      sink,
			Records:   s.store,
			Documents: s.store,
			Logger:    s.logger,
		},
		Logger: s.logger,
	}

	s.mu.Lock()
	s.services = services
	s.mu.Unlock()
	return nil
}

// buildInferenceClient constructs the configured inference backend wrapped
// in the shared circuit breaker for its dependency name. Unknown providers
// fall back to the mock so a bare config still serves.
func buildInferenceClient(appCfg *config.Config, breakers *breaker.Registry) inference.Client {
	var client inference.Client
	switch appCfg.Inference.Provider {
	case "openai":
		client = inference.NewOpenAIClient(inference.OpenAIConfig{
			APIKey:  appCfg.ResolveAPIKey("openai"),
			Model:   appCfg.Inference.Model,
			Timeout: time.Duration(appCfg.Inference.TimeoutSeconds) * time.Second,
		})
	default:
		client = inference.NewMock()
	}
	return inference.Guard(client, breakers, nil)
}

// appConfig returns the live config, falling back to defaults when the
// server was built without a config manager.
func (s *Server) appConfig() *config.Config {
	if s.configMgr != nil {
		return s.configMgr.Get()
	}
	return config.DefaultConfig()
}

// shutdown performs graceful shutdown of the HTTP server, the trace sink,
// and the record store.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop the sink before the store so the final flush still has a backend.
	if s.sink != nil {
		s.sink.Stop()
	}

	if s.store != nil {
		s.store.Close()
	}

	if s.dockerManager != nil {
		s.logger.Info("stopping Postgres container")
		if err := s.dockerManager.Stop(shutdownCtx); err != nil {
			s.logger.Error("Postgres stop error", "error", err)
		}
		if err := s.dockerManager.Close(); err != nil {
			s.logger.Error("Postgres manager close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Store returns the record store. Returns nil before Start.
func (s *Server) Store() store.Store {
	return s.store
}

// Services returns the wired service set. Returns nil before Start.
func (s *Server) Services() *svcctx.Services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		s.mu.RLock()
		services := s.services
		s.mu.RUnlock()
		if services != nil {
			ctx = svcctx.WithServices(ctx, services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withIdempotency wraps the mux with replay semantics for requests carrying
// an Idempotency-Key header. Before services exist the wrapper is a no-op.
func (s *Server) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		services := s.services
		s.mu.RUnlock()
		if services == nil || services.Idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		idempotency.Middleware(services.Idempotency)(next).ServeHTTP(w, r)
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable until the store and services are wired.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		ready := s.services != nil
		s.mu.RUnlock()
		if !ready {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
