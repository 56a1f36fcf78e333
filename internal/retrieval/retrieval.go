// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package retrieval ranks stored entries by semantic similarity to a query.
package retrieval

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Embedder is what retrieval needs from the embedding layer. The guarded
// embedder satisfies it and already maps failures to RetrievalUnavailable.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Candidate is an entry the vector index returned, with its similarity.
type Candidate struct {
	Entry      *entry.ContextEntry
	Similarity float64
}

// Source answers vector searches. The store implements it, taking its read
// lock inside Candidates only.
type Source interface {
	Candidates(ctx context.Context, query []float32, n int) ([]Candidate, error)
}

// Result is one ranked hit.
type Result struct {
	Entry      *entry.ContextEntry `json:"entry"`
	Similarity float64             `json:"similarity"`
}

// Defaults for Engine fields left zero.
const (
	DefaultMaxResults = 50
	DefaultOversample = 3
)

// Engine holds the ranking parameters.
type Engine struct {
	Embedder Embedder
	// Floor is the minimum similarity a result may have.
	Floor float64
	// MaxResults caps k.
	MaxResults int
	// Oversample multiplies k when asking the index, so entries filtered by
	// the floor or removed since indexing do not starve the result.
	Oversample int
}

// Retrieve embeds text, searches src and returns at most k results, none
// below the floor, ordered by similarity desc then importance desc then id.
// An embedding failure is returned as RetrievalUnavailable; an empty slice
// with a nil error means nothing was similar enough.
func (r Engine) Retrieve(ctx context.Context, text string, k int, src Source) ([]Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, cmerr.New(cmerr.CodeRetrievalInvalidInput, "query text must not be empty")
	}
	if k <= 0 {
		return nil, cmerr.Errorf(cmerr.CodeRetrievalInvalidInput, "k must be positive, got %d", k)
	}
	if r.Embedder == nil {
		return nil, cmerr.New(cmerr.CodeRetrievalUnavailable, "no embedder configured")
	}
	maxResults := r.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	k = min(k, maxResults)
	oversample := r.Oversample
	if oversample <= 0 {
		oversample = DefaultOversample
	}

	vec, err := r.Embedder.Embed(ctx, text)
	if err != nil {
		if cmerr.IsUnavailable(err) {
			return nil, err
		}
		return nil, cmerr.Recode(err, cmerr.CodeRetrievalUnavailable, "embedding query")
	}

	cands, err := src.Candidates(ctx, vec, k*oversample)
	if err != nil {
		return nil, err
	}
	return Rank(cands, r.Floor, k), nil
}

// Rank filters by floor, sorts and truncates to k.
func Rank(cands []Candidate, floor float64, k int) []Result {
	out := make([]Result, 0, min(len(cands), k))
	for _, c := range cands {
		if c.Entry == nil || c.Similarity < floor {
			continue
		}
		out = append(out, Result(c))
	}
	slices.SortFunc(out, func(a, b Result) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Entry.Importance, a.Entry.Importance); c != 0 {
			return c
		}
		return cmp.Compare(a.Entry.ID, b.Entry.ID)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
