// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tzervas/context-mcp/internal/capacity"
	"github.com/tzervas/context-mcp/internal/config"
	"github.com/tzervas/context-mcp/internal/consolidate"
	"github.com/tzervas/context-mcp/internal/consolidate/anthropic"
	"github.com/tzervas/context-mcp/internal/embedding"
	"github.com/tzervas/context-mcp/internal/embedding/gemini"
	"github.com/tzervas/context-mcp/internal/embedding/hash"
	"github.com/tzervas/context-mcp/internal/embedding/openai"
	"github.com/tzervas/context-mcp/internal/index"
	_ "github.com/tzervas/context-mcp/internal/index/sqlitevec" // registers "sqlite-vec"
	"github.com/tzervas/context-mcp/internal/persist"
	_ "github.com/tzervas/context-mcp/internal/persist/sqlite" // registers "sqlite"
	"github.com/tzervas/context-mcp/internal/security/scanner"
	"github.com/tzervas/context-mcp/internal/store"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// openStore builds every collaborator the config asks for and opens the
// store. Collaborators built before a failure are closed.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*store.Store, error) {
	emb, err := buildEmbedder(ctx, cfg.Embedding)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps := store.Deps{
		Embedder: emb,
		Logger:   log,
		Registry: reg,
	}

	if cfg.Screening.Enabled {
		sc, err := buildScanner(cfg.Screening)
		if err != nil {
			return nil, err
		}
		deps.Scanner = sc
	}

	rules := consolidate.DefaultRules()
	if cfg.Consolidation.RulesFile != "" {
		if rules, err = consolidate.LoadRules(cfg.Consolidation.RulesFile); err != nil {
			return nil, err
		}
	}
	if deps.Summarizer, err = buildSummarizer(cfg.Consolidation); err != nil {
		return nil, err
	}

	if emb != nil {
		vecs, err := index.OpenVector(index.VectorConfig{
			Backend:    cfg.Vector.Backend,
			Dimensions: emb.Dimensions(),
			Path:       cfg.VectorPath(),
		})
		if err != nil {
			return nil, err
		}
		deps.Vectors = vecs
	}

	if cfg.Persistence.Enabled {
		path := cfg.JournalPath()
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			closeQuietly(deps)
			return nil, cmerr.Wrap(err, cmerr.CodeCLISetupFailure, "creating data directory", cmerr.Field("path", filepath.Dir(path)))
		}
		j, err := persist.Open(persist.Config{Backend: cfg.Persistence.Backend, Path: path})
		if err != nil {
			closeQuietly(deps)
			return nil, err
		}
		deps.Journal = j
	}

	sc := cfg.Storage
	s, err := store.Open(ctx, store.Config{
		Capacity:        capacity.Budget{Mode: capacity.Mode(sc.CapacityMode), Limit: sc.Capacity},
		HalfLife:        sc.HalfLife,
		MaxContentBytes: sc.MaxContentBytes,
		ScanThreshold:   cfg.Query.ScanThreshold,
		SimilarityFloor: cfg.Retrieval.SimilarityFloor,
		MaxResults:      cfg.Retrieval.MaxResults,
		DefaultK:        cfg.Retrieval.DefaultK,
		EmbedTimeout:    cfg.Embedding.Timeout,
		EmbedCooldown:   cfg.Embedding.Cooldown,
		AccessFlushSize: sc.AccessFlushSize,
		Consolidation: store.ConsolidationConfig{
			Rules:               rules,
			SimilarityThreshold: cfg.Consolidation.SimilarityThreshold,
			BatchSize:           cfg.Consolidation.BatchSize,
		},
		Screening: store.ScreeningConfig{
			Workers:   uint(max(cfg.Screening.Workers, 0)),
			QueueSize: uint(max(cfg.Screening.QueueSize, 0)),
			Timeout:   cfg.Screening.Timeout,
		},
	}, deps)
	if err != nil {
		closeQuietly(deps)
		return nil, err
	}
	return s, nil
}

// closeQuietly releases collaborators the store never took ownership of.
func closeQuietly(deps store.Deps) {
	if deps.Vectors != nil {
		_ = deps.Vectors.Close()
	}
	if deps.Journal != nil {
		_ = deps.Journal.Close()
	}
}

func buildEmbedder(ctx context.Context, c config.EmbeddingConfig) (embedding.Embedder, error) {
	switch c.Provider {
	case "", "none":
		return nil, nil
	case "hash":
		return hash.New(c.Dimensions)
	case "openai":
		return openai.New(openai.Config{
			APIKey:     c.APIKey,
			BaseURL:    c.BaseURL,
			Model:      c.Model,
			Dimensions: c.Dimensions,
		})
	case "gemini":
		return gemini.New(ctx, gemini.Config{
			APIKey:     c.APIKey,
			BaseURL:    c.BaseURL,
			Model:      c.Model,
			Dimensions: c.Dimensions,
		})
	default:
		return nil, cmerr.Errorf(cmerr.CodeCLISetupFailure, "unknown embedding provider %q", c.Provider)
	}
}

func buildScanner(c config.ScreeningConfig) (*scanner.RegexScanner, error) {
	var opts []scanner.Option
	if c.MaxContentLength > 0 {
		opts = append(opts, scanner.WithMaxContentLength(c.MaxContentLength))
	}
	if c.RulesFile == "" {
		return scanner.NewDefault(opts...)
	}
	rules, err := scanner.LoadRules(c.RulesFile)
	if err != nil {
		return nil, err
	}
	return scanner.NewRegexScanner(rules, opts...)
}

func buildSummarizer(c config.ConsolidationConfig) (consolidate.Summarizer, error) {
	switch c.Summarizer {
	case "", "concat":
		return consolidate.ConcatSummarizer{MaxBytes: c.MaxSummaryBytes}, nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:    c.Anthropic.APIKey,
			BaseURL:   c.Anthropic.BaseURL,
			Model:     c.Anthropic.Model,
			MaxTokens: c.Anthropic.MaxTokens,
		})
	default:
		return nil, cmerr.Errorf(cmerr.CodeCLISetupFailure, "unknown summarizer %q", c.Summarizer)
	}
}
