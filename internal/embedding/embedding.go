// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package embedding defines the embedding capability the store depends on
// and a guard that bounds every call in time and tracks backend health.
package embedding

import (
	"context"
	"errors"
	"time"

	cmerr "github.com/tzervas/context-mcp/pkg/errors"
	"github.com/tzervas/context-mcp/pkg/health"
)

// Embedder turns text into a fixed-size vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Name() string
}

// DefaultTimeout bounds a single Embed call when none is configured.
const DefaultTimeout = 5 * time.Second

// Guard wraps an Embedder so that callers see one error class,
// RetrievalUnavailable, for every way an embedding can fail: the backend is
// cooling down after a failure, the call timed out, it errored, or it
// returned a vector of the wrong size.
type Guard struct {
	embedder Embedder
	health   *HealthTracker
	timeout  time.Duration
}

// NewGuard wraps e. A nil tracker gets a default one.
func NewGuard(e Embedder, timeout time.Duration, tracker *HealthTracker) (*Guard, error) {
	if e == nil {
		return nil, cmerr.New(cmerr.CodeEmbeddingRequestInvalid, "embedder is required")
	}
	if e.Dimensions() <= 0 {
		return nil, cmerr.Errorf(cmerr.CodeEmbeddingRequestInvalid,
			"embedder %s reports %d dimensions", e.Name(), e.Dimensions())
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if tracker == nil {
		var err error
		tracker, err = NewHealthTracker(e.Name(), DefaultHealthCooldown)
		if err != nil {
			return nil, err
		}
	}
	return &Guard{embedder: e, health: tracker, timeout: timeout}, nil
}

func (g *Guard) Dimensions() int        { return g.embedder.Dimensions() }
func (g *Guard) Name() string           { return g.embedder.Name() }
func (g *Guard) Health() health.Metrics { return g.health.Metrics() }

// Embed calls the backend with the guard's timeout. Backend errors and the
// guard's own timeout start a cooldown; caller cancellation does not.
func (g *Guard) Embed(ctx context.Context, text string) ([]float32, error) {
	if !g.health.IsHealthy() {
		return nil, cmerr.New(cmerr.CodeRetrievalUnavailable,
			"embedder is cooling down after a failure", cmerr.FieldProvider(g.Name()))
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	vec, err := g.embedder.Embed(ctx, text)
	if err != nil {
		// A caller that gave up says nothing about the backend.
		if parent.Err() != nil {
			return nil, cmerr.Wrap(err, cmerr.CodeRetrievalUnavailable, "embedding abandoned by caller", cmerr.FieldProvider(g.Name()))
		}
		g.health.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, cmerr.Recode(err, cmerr.CodeRetrievalUnavailable,
				"embedding timed out", cmerr.FieldProvider(g.Name()), cmerr.Field("timeout", g.timeout.String()))
		}
		return nil, cmerr.Recode(err, cmerr.CodeRetrievalUnavailable, "embedding failed", cmerr.FieldProvider(g.Name()))
	}
	if len(vec) != g.Dimensions() {
		g.health.RecordFailure()
		return nil, cmerr.Errorf(cmerr.CodeRetrievalUnavailable,
			"embedder %s returned %d dimensions, expected %d", g.Name(), len(vec), g.Dimensions())
	}
	g.health.RecordSuccess()
	return vec, nil
}
