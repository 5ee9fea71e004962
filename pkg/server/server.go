// Package server provides the public entry point for initializing the
// playground service.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/agentoven/agentoven/playground/internal/api"
	"github.com/agentoven/agentoven/playground/internal/api/handlers"
	"github.com/agentoven/agentoven/playground/internal/cas"
	"github.com/agentoven/agentoven/playground/internal/config"
	"github.com/agentoven/agentoven/playground/internal/dispatcher"
	"github.com/agentoven/agentoven/playground/internal/loader"
	"github.com/agentoven/agentoven/playground/internal/playground"
	"github.com/agentoven/agentoven/playground/internal/remote"
	"github.com/agentoven/agentoven/playground/internal/store"
	"github.com/agentoven/agentoven/playground/internal/telemetry"
	"github.com/agentoven/agentoven/playground/internal/worker"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized playground.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the engine's mutation pipeline and published snapshot.
	Store *playground.Store

	// Repo is the embedded backend, nil when a remote backend is configured.
	Repo store.Repository

	Loader     *loader.Loader
	Dispatcher *dispatcher.Dispatcher

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error

	pool      *worker.Pool
	selection *playground.SelectionSync
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the playground with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var (
		backend remote.Backend
		repo    store.Repository
	)
	if cfg.Remote.URL != "" {
		backend = remote.NewClient(cfg.Remote.URL, cfg.Remote.Token, cfg.Remote.Timeout)
		log.Info().Str("url", cfg.Remote.URL).Msg("Remote configuration backend")
	} else {
		repo, err = openRepository(cfg.Storage)
		if err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
		backend = repo
	}

	ps := playground.NewStore(cas.NewRegistry(), playground.WithMutator(backend))
	ld := loader.New(ps, backend, loader.WithSchemaURI(cfg.Remote.SchemaURI))

	exec := worker.NewHTTPExecutor(cfg.Runs.RequestTimeout, worker.WithRateLimit(cfg.Runs.Rate, cfg.Runs.Burst))
	pool := worker.NewPool(exec, cfg.Runs.Workers, cfg.Runs.QueueSize)
	disp := dispatcher.New(ps, pool,
		dispatcher.WithToken(cfg.Runs.Token),
		dispatcher.WithTimeout(cfg.Runs.Timeout),
	)

	srv := &Server{
		Store:        ps,
		Repo:         repo,
		Loader:       ld,
		Dispatcher:   disp,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		pool:         pool,
	}

	var readIn []string
	if repo != nil {
		readIn, err = repo.GetSelection(ctx)
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("read selection: %w", err)
		}
		srv.selection = playground.NewSelectionSync(ps, store.SelectionWriter{Repo: repo}, cfg.Selection.Debounce, readIn)
	}

	// Initial load. An empty backend is not an error.
	if _, err := ld.Load(ctx, readIn); err != nil {
		log.Warn().Err(err).Msg("Initial load failed")
	}

	h := handlers.New(ps, ld, disp, repo, srv.selection)
	srv.Handler = api.NewRouter(cfg, h)
	log.Info().
		Int("workers", cfg.Runs.Workers).
		Dur("run_timeout", cfg.Runs.Timeout).
		Msg("Playground initialized")
	return srv, nil
}

func openRepository(cfg config.StorageConfig) (store.Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryRepository(cfg.DataDir), nil
	case "sqlite":
		path := "playground.db"
		if cfg.DataDir != "" {
			path = filepath.Join(cfg.DataDir, path)
		}
		repo, err := store.NewSQLiteRepository(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite repository: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Close stops every component in dependency order.
func (s *Server) Close() error {
	if s.selection != nil {
		s.selection.Close()
	}
	s.Dispatcher.Close()
	s.pool.Close()
	s.Loader.Close()
	var errs []error
	if err := s.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.Repo != nil {
		if err := s.Repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
