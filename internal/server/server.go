// Package server assembles the gateway: session registry, reaper, HTTP
// routing, auth, audit, and metrics, built from a single configuration.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"

	"github.com/txn2/mcp-stream-gateway/pkg/audit"
	auditpg "github.com/txn2/mcp-stream-gateway/pkg/audit/postgres"
	"github.com/txn2/mcp-stream-gateway/pkg/auth"
	"github.com/txn2/mcp-stream-gateway/pkg/config"
	"github.com/txn2/mcp-stream-gateway/pkg/database/migrate"
	"github.com/txn2/mcp-stream-gateway/pkg/health"
	"github.com/txn2/mcp-stream-gateway/pkg/middleware"
	"github.com/txn2/mcp-stream-gateway/pkg/session"
)

// Version is set at build time.
var Version = "dev"

// serverName identifies the gateway in initialize responses.
const serverName = "mcp-stream-gateway"

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 15 * time.Second

// auditCleanupInterval is how often expired audit events are purged.
const auditCleanupInterval = 24 * time.Hour

// Server is the assembled gateway.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	reaper   *session.Reaper
	checker  *health.Checker
	recorder audit.Recorder
	db       *sql.DB
	httpSrv  *http.Server
}

// New builds a gateway from configuration. The returned server owns its
// audit backend and database handle; Close releases them.
func New(cfg *config.Config) (*Server, error) {
	return newWithClock(cfg, clockwork.NewRealClock())
}

func newWithClock(cfg *config.Config, clock clockwork.Clock) (*Server, error) {
	s := &Server{cfg: cfg}

	recorder, db, err := buildRecorder(cfg)
	if err != nil {
		return nil, err
	}
	s.recorder = recorder
	s.db = db

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var metrics *session.Metrics
	if cfg.Metrics.Enabled {
		metrics = session.NewMetrics(promReg)
	}

	registry, err := session.NewRegistry(session.RegistryConfig{
		MaxIdleSessions: cfg.Session.MaxIdleSessions,
		IdleTimeout:     cfg.Session.IdleTimeout.Value(),
		Stateless:       cfg.Session.Stateless,
		Handler:         newCoreHandler(serverName, Version),
		Clock:           clock,
		Audit:           recorder,
		Metrics:         metrics,
	})
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("creating session registry: %w", err)
	}
	s.registry = registry

	reaper, err := session.NewReaper(session.ReaperConfig{
		Registry: registry,
		Interval: cfg.Session.ReapInterval.Value(),
		Clock:    clock,
		OnFatal: func(err error) {
			// A dead reaper leaves the registry unbounded; better to die
			// visibly than leak sessions until OOM.
			slog.Error("server: reaper failed, exiting", "error", err)
			os.Exit(1)
		},
	})
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("creating reaper: %w", err)
	}
	s.reaper = reaper

	s.checker = health.NewChecker(registry)

	router, err := s.buildRouter(promReg)
	if err != nil {
		s.closeBackends()
		return nil, err
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// buildRecorder selects the audit backend. The postgres backend runs
// migrations on startup and owns a cleanup routine for expired events.
func buildRecorder(cfg *config.Config) (audit.Recorder, *sql.DB, error) {
	switch cfg.Audit.Backend {
	case "":
		return nil, nil, nil
	case "slog":
		return audit.NewSlogRecorder(nil), nil, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Audit.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening audit database: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("connecting to audit database: %w", err)
		}
		if err := migrate.Run(db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrating audit database: %w", err)
		}
		store := auditpg.New(db, auditpg.Config{RetentionDays: cfg.Audit.RetentionDays})
		store.StartCleanupRoutine(auditCleanupInterval)
		return store, db, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

func (s *Server) buildRouter(promReg *prometheus.Registry) (chi.Router, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)

	r.Get("/healthz", s.checker.LivenessHandler())
	r.Get("/readyz", s.checker.ReadinessHandler())
	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		SigningKey:     []byte(s.cfg.Auth.SigningKey),
		Issuer:         s.cfg.Auth.Issuer,
		APIKeys:        apiKeys(s.cfg.Auth.APIKeys),
		AllowAnonymous: s.cfg.Auth.AllowAnonymous,
	})
	if err != nil {
		return nil, fmt.Errorf("creating auth verifier: %w", err)
	}

	mcpHandler := session.NewHandler(s.registry)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier))
		r.Handle(s.cfg.Server.Endpoint, mcpHandler)
	})
	return r, nil
}

func apiKeys(defs []config.APIKeyDef) []auth.APIKey {
	keys := make([]auth.APIKey, 0, len(defs))
	for _, d := range defs {
		keys = append(keys, auth.APIKey{Name: d.Name, Hash: d.Hash})
	}
	return keys
}

// Registry exposes the session registry, primarily for tests.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Handler exposes the assembled HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then drains: readiness flips first, the
// HTTP server shuts down gracefully, and the reaper disposes every remaining
// session on its way out.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.reaper.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("server: listening", "address", s.cfg.Server.Address, "endpoint", s.cfg.Server.Endpoint)
		var err error
		if s.cfg.Server.TLS.Enabled {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.checker.SetDraining()
		slog.Info("server: draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})

	s.checker.SetReady()
	err := g.Wait()
	s.closeBackends()
	return err
}

// closeBackends releases the audit recorder and database handle.
func (s *Server) closeBackends() {
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			slog.Error("server: closing audit recorder", "error", err)
		}
		s.recorder = nil
	}
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}
