// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tzervas/context-mcp/internal/config"
	"github.com/tzervas/context-mcp/internal/consolidate"
	"github.com/tzervas/context-mcp/internal/server"
	"github.com/tzervas/context-mcp/internal/store"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background maintenance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				a.cfg.Networking.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides networking.listen)")
	return cmd
}

func (a *app) serve(ctx context.Context) (err error) {
	s, err := openStore(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()

	nc := a.cfg.Networking
	srv, err := server.New(server.Config{
		ListenAddr:     nc.Listen,
		CORSOrigins:    nc.CORSOrigins,
		AuthToken:      nc.AuthToken,
		TrustedProxies: nc.TrustedProxies,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: nc.RateLimit.RequestsPerSecond,
			Burst:             nc.RateLimit.Burst,
		},
		ReadTimeout:     nc.ReadTimeout,
		WriteTimeout:    nc.WriteTimeout,
		ShutdownTimeout: nc.ShutdownTimeout,
		Registry:        s.Registry(),
		Logger:          a.log.With("component", "http"),
	}, s)
	if err != nil {
		return err
	}

	sched, err := schedule(a.cfg, s, a.log)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		err = errors.Join(err, sched.Stop())
	}()

	a.log.Info("context store ready",
		"data_dir", a.cfg.Storage.DataDir,
		"embedder", a.cfg.Embedding.Provider,
		"persistence", a.cfg.Persistence.Enabled,
	)
	return srv.Start(ctx)
}

// schedule registers the periodic maintenance jobs.
func schedule(cfg *config.Config, s *store.Store, log *slog.Logger) (*consolidate.Scheduler, error) {
	sched, err := consolidate.NewScheduler(log.With("component", "scheduler"), cfg.Consolidation.Timeout)
	if err != nil {
		return nil, err
	}

	if cfg.Consolidation.Enabled {
		err := sched.Every("consolidate", cfg.Consolidation.Interval, func(ctx context.Context) error {
			rep, err := s.Consolidate(ctx)
			if err != nil {
				return err
			}
			if rep.Changed() {
				log.Info("consolidation pass", "promoted", rep.Promoted, "merged", rep.Merged, "deferred", rep.Deferred)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if err := sched.Every("cleanup-expired", cfg.Storage.CleanupInterval, func(ctx context.Context) error {
		n, err := s.CleanupExpired(ctx)
		if n > 0 {
			log.Info("removed expired entries", "count", n)
		}
		return err
	}); err != nil {
		return nil, err
	}

	if err := sched.Every("flush-accesses", cfg.Storage.AccessFlushInterval, s.FlushAccesses); err != nil {
		return nil, err
	}

	if cfg.Embedding.Provider != "" && cfg.Embedding.Provider != "none" {
		if err := sched.Every("reindex", cfg.Storage.CleanupInterval, func(ctx context.Context) error {
			n, err := s.Reindex(ctx)
			if n > 0 {
				log.Info("embedded pending entries", "count", n)
			}
			return err
		}); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
