// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tzervas/context-mcp/internal/consolidate"
	"github.com/tzervas/context-mcp/internal/store"
	"github.com/tzervas/context-mcp/pkg/health"
)

func (s *Server) registerSystemRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, s.handleHealth)

	huma.Register(s.api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/stats",
		Summary:     "Store statistics",
		Tags:        []string{"system"},
	}, s.handleStats)

	huma.Register(s.api, huma.Operation{
		OperationID: "temporal-stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/stats/temporal",
		Summary:     "Entry age statistics",
		Tags:        []string{"system"},
	}, s.handleTemporalStats)
}

func (s *Server) registerMaintenanceRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "cleanup-expired",
		Method:      http.MethodPost,
		Path:        "/api/v1/maintenance/cleanup",
		Summary:     "Remove entries whose validity window has closed",
		Tags:        []string{"maintenance"},
	}, s.handleCleanup)

	huma.Register(s.api, huma.Operation{
		OperationID: "consolidate",
		Method:      http.MethodPost,
		Path:        "/api/v1/maintenance/consolidate",
		Summary:     "Run one consolidation pass",
		Tags:        []string{"maintenance"},
	}, s.handleConsolidate)

	huma.Register(s.api, huma.Operation{
		OperationID: "reindex",
		Method:      http.MethodPost,
		Path:        "/api/v1/maintenance/reindex",
		Summary:     "Embed entries stored without a vector",
		Tags:        []string{"maintenance"},
	}, s.handleReindex)
}

// HealthBody is the JSON body of the health endpoint response. Status is
// "degraded" while the embedding backend is cooling down after failures.
type HealthBody struct {
	Status   string          `json:"status" example:"ok" doc:"Health status"`
	Embedder *health.Metrics `json:"embedder,omitempty"`
}

// HealthResponse wraps the health check response.
type HealthResponse struct {
	Body HealthBody
}

type statsOutput struct {
	Body store.Stats
}

type temporalStatsOutput struct {
	Body store.TemporalStats
}

type countOutput struct {
	Body struct {
		Count    int           `json:"count"`
		Duration time.Duration `json:"duration_ns"`
	}
}

type consolidateOutput struct {
	Body struct {
		consolidate.Report
		Duration time.Duration `json:"duration_ns"`
	}
}

func (s *Server) handleHealth(_ context.Context, _ *struct{}) (*HealthResponse, error) {
	out := &HealthResponse{Body: HealthBody{Status: "ok"}}
	if m, ok := s.backend.EmbedderHealth(); ok {
		out.Body.Embedder = &m
		if !m.Available {
			out.Body.Status = "degraded"
		}
	}
	return out, nil
}

func (s *Server) handleStats(_ context.Context, _ *struct{}) (*statsOutput, error) {
	st, err := s.backend.Stats()
	if err != nil {
		return nil, s.apiError("reading stats", err)
	}
	return &statsOutput{Body: st}, nil
}

func (s *Server) handleTemporalStats(ctx context.Context, _ *struct{}) (*temporalStatsOutput, error) {
	st, err := s.backend.TemporalStats(ctx)
	if err != nil {
		return nil, s.apiError("reading temporal stats", err)
	}
	return &temporalStatsOutput{Body: st}, nil
}

func (s *Server) handleCleanup(ctx context.Context, _ *struct{}) (*countOutput, error) {
	start := time.Now()
	n, err := s.backend.CleanupExpired(ctx)
	if err != nil {
		return nil, s.apiError("removing expired entries", err)
	}
	out := &countOutput{}
	out.Body.Count = n
	out.Body.Duration = time.Since(start)
	return out, nil
}

func (s *Server) handleConsolidate(ctx context.Context, _ *struct{}) (*consolidateOutput, error) {
	start := time.Now()
	rep, err := s.backend.Consolidate(ctx)
	if err != nil {
		return nil, s.apiError("consolidating", err)
	}
	out := &consolidateOutput{}
	out.Body.Report = rep
	out.Body.Duration = time.Since(start)
	return out, nil
}

func (s *Server) handleReindex(ctx context.Context, _ *struct{}) (*countOutput, error) {
	start := time.Now()
	n, err := s.backend.Reindex(ctx)
	if err != nil {
		return nil, s.apiError("reindexing", err)
	}
	out := &countOutput{}
	out.Body.Count = n
	out.Body.Duration = time.Since(start)
	return out, nil
}
