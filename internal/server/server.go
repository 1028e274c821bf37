package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"rpcfanout/internal/cache"
	"rpcfanout/internal/config"
	"rpcfanout/internal/dispatch"
	"rpcfanout/internal/logging"
	"rpcfanout/internal/metrics"
	"rpcfanout/internal/runner"
	"rpcfanout/internal/store"
	"rpcfanout/internal/upstream"
)

// Server assembles the pool, cache, observers and report store, and serves
// the HTTP endpoint in serve mode
type Server struct {
	cfg        *config.Config
	pool       *upstream.Pool
	cache      cache.Cache
	registry   *prometheus.Registry
	store      *store.RedisStore
	runner     *runner.Runner
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates a new Server
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	pool := upstream.NewPool(cfg, logger)

	var rpcCache cache.Cache
	if cfg.IsCacheEnabled() {
		mc, err := cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.GetTTLDuration())
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		rpcCache = mc
		pool.SetCache(mc)

		logger.Info().
			Int("size", cfg.Cache.Size).
			Int("ttl", cfg.Cache.TTL).
			Strs("disabledMethods", cfg.Cache.DisabledMethods).
			Msg("cache enabled")
	} else {
		rpcCache = cache.NewNoopCache()
		logger.Info().Msg("cache disabled")
	}

	observers := dispatch.Observers{logging.NewObserver(logger)}

	var registry *prometheus.Registry
	if cfg.IsMetricsEnabled() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		observers = append(observers, metrics.NewObserver(cfg.Metrics.Namespace, registry))
		logger.Info().Str("namespace", cfg.Metrics.Namespace).Msg("metrics enabled")
	}

	r := runner.New(pool, observers, logger)

	var reportStore *store.RedisStore
	if cfg.IsRedisEnabled() {
		var err error
		reportStore, err = store.NewRedisStoreFromConfig(ctx, cfg.Redis)
		if err != nil {
			rpcCache.Close()
			return nil, fmt.Errorf("failed to connect report store: %w", err)
		}
		r.SetSaver(reportStore)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("report store enabled")
	}

	return &Server{
		cfg:      cfg,
		pool:     pool,
		cache:    rpcCache,
		registry: registry,
		store:    reportStore,
		runner:   r,
		logger:   logger,
	}, nil
}

// Runner returns the runner shared by the CLI and the HTTP endpoint
func (s *Server) Runner() *runner.Runner {
	return s.runner
}

// Pool returns the upstream pool
func (s *Server) Pool() *upstream.Pool {
	return s.pool
}

// Start starts the health monitor and the HTTP server
func (s *Server) Start() error {
	s.pool.Start()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", addr).
			Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().
		Str("dispatch", fmt.Sprintf("http://%s/dispatch", addr)).
		Bool("metrics", s.registry != nil).
		Msg("endpoint available")
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	s.Close()

	if httpErr != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", httpErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

// Close releases the pool, cache and report store
func (s *Server) Close() {
	s.pool.Stop()
	s.cache.Close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close report store")
		}
	}
}
