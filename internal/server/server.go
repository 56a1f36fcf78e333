// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package server exposes the context store over an HTTP JSON API with an
// OpenAPI description.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tzervas/context-mcp/internal/consolidate"
	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/query"
	"github.com/tzervas/context-mcp/internal/retrieval"
	"github.com/tzervas/context-mcp/internal/store"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
	"github.com/tzervas/context-mcp/pkg/health"
)

// Version is reported in the OpenAPI document.
var Version = "0.1.0"

// Backend is the store surface the API serves. *store.Store implements it.
type Backend interface {
	Put(ctx context.Context, d entry.Draft) (string, error)
	Get(ctx context.Context, id string) (*entry.ContextEntry, error)
	Update(ctx context.Context, id string, p entry.Patch) error
	Delete(ctx context.Context, id string) (bool, error)
	Explain(ctx context.Context, p query.Predicate) ([]*entry.ContextEntry, query.Plan, error)
	Retrieve(ctx context.Context, text string, k int) ([]retrieval.Result, error)
	UpdateScreening(ctx context.Context, id string, verdict entry.Screening) error
	ResetTier(ctx context.Context, id string, tier entry.Tier) error
	CleanupExpired(ctx context.Context) (int, error)
	Consolidate(ctx context.Context) (consolidate.Report, error)
	Reindex(ctx context.Context) (int, error)
	Stats() (store.Stats, error)
	TemporalStats(ctx context.Context) (store.TemporalStats, error)
	EmbedderHealth() (health.Metrics, bool)
}

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr  string
	CORSOrigins []string
	// AuthToken enables bearer authentication on /api routes.
	AuthToken       string
	TrustedProxies  []string
	RateLimit       RateLimitConfig
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Registry is served on /metrics when set.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Server wraps a chi router with a huma API.
type Server struct {
	router  chi.Router
	api     huma.API
	cfg     Config
	backend Backend
	log     *slog.Logger
	// done stops background middleware goroutines.
	done      chan struct{}
	closeOnce sync.Once
}

// New builds the router and registers every route.
func New(cfg Config, backend Backend) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, cmerr.New(cmerr.CodeServerConfigInvalid, "listen address is required")
	}
	if backend == nil {
		return nil, cmerr.New(cmerr.CodeServerConfigInvalid, "backend is required")
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	var trusted []netip.Prefix
	if len(cfg.TrustedProxies) > 0 {
		var err error
		if trusted, err = parseTrustedProxies(cfg.TrustedProxies); err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		log:     log,
		done:    make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if trusted != nil {
		r.Use(trustedProxyRealIP(trusted, log))
	}
	r.Use(accessLog(log))
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(rateLimitMiddleware(cfg.RateLimit, log, s.done))
	r.Use(authMiddleware(cfg.AuthToken, log))

	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	humaConfig := huma.DefaultConfig("Context MCP", Version)
	humaConfig.Info.Description = "Context memory store for agent workflows"
	s.api = humachi.New(r, humaConfig)
	s.router = r

	s.registerSystemRoutes()
	s.registerContextRoutes()
	s.registerMaintenanceRoutes()
	return s, nil
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API, e.g. for dumping the OpenAPI document.
func (s *Server) API() huma.API {
	return s.api
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	defer s.Close()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return cmerr.Wrap(err, cmerr.CodeServerStartFailure, "listening", cmerr.Field("addr", s.cfg.ListenAddr))
	}
	s.log.Info("http api listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return cmerr.Wrap(err, cmerr.CodeServerStartFailure, "serving")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return cmerr.Wrap(err, cmerr.CodeServerShutdownFailure, "shutting down")
	}
	return <-errCh
}

// Close stops background work. Start calls it on return; callers that only
// use Handler call it themselves.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// apiError converts a store error into an HTTP error. Server-side failures
// are logged and reported without their internals.
func (s *Server) apiError(op string, err error) error {
	status := cmerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusInsufficientStorage {
		s.log.Error(op+" failed", "error", err, "code", cmerr.CodeOf(err))
		return huma.NewError(status, op+" failed")
	}
	return huma.NewError(status, op+" failed", &huma.ErrorDetail{
		Message:  err.Error(),
		Location: string(cmerr.CodeOf(err)),
	})
}
