// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package chromem provides the default in-process vector index, backed by
// chromem-go.
package chromem

import (
	"context"
	"slices"

	chromem "github.com/philippgille/chromem-go"

	"github.com/tzervas/context-mcp/internal/index"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

func init() {
	index.RegisterVectorBackend("chromem", func(cfg index.VectorConfig) (index.VectorIndex, error) {
		return New(cfg.Dimensions)
	})
}

const collectionName = "contexts"

// Compile-time interface check.
var _ index.VectorIndex = (*Index)(nil)

// Index keeps every embedding in a single chromem collection. chromem
// computes cosine similarity on normalized vectors, which is what the
// retrieval floor is expressed in.
type Index struct {
	col        *chromem.Collection
	dimensions int
}

// New creates an empty in-memory index for vectors of the given size.
func New(dimensions int) (*Index, error) {
	if dimensions <= 0 {
		return nil, cmerr.Errorf(cmerr.CodeStoreVectorDimensionBad,
			"vector dimensions must be positive, got %d", dimensions)
	}
	db := chromem.NewDB()
	// Embeddings always arrive precomputed, so no embedding func is set.
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "creating chromem collection")
	}
	return &Index{col: col, dimensions: dimensions}, nil
}

func (x *Index) Add(ctx context.Context, id string, vec []float32) error {
	if err := index.CheckDimensions(vec, x.dimensions); err != nil {
		return err
	}
	// chromem normalizes in place; hand it a copy so callers keep theirs.
	doc := chromem.Document{ID: id, Embedding: slices.Clone(vec)}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "adding vector", cmerr.FieldEntryID(id))
	}
	return nil
}

func (x *Index) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := x.col.Delete(ctx, nil, nil, ids...); err != nil {
		return cmerr.Wrapf(err, cmerr.CodeStoreVectorFailure, "removing %d vectors", len(ids))
	}
	return nil
}

func (x *Index) Search(ctx context.Context, query []float32, n int) ([]index.VectorHit, error) {
	if err := index.CheckDimensions(query, x.dimensions); err != nil {
		return nil, err
	}
	// chromem rejects n larger than the collection.
	n = min(n, x.col.Count())
	if n <= 0 {
		return nil, nil
	}

	results, err := x.col.QueryEmbedding(ctx, slices.Clone(query), n, nil, nil)
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "querying chromem")
	}

	hits := make([]index.VectorHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, index.VectorHit{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

func (x *Index) Count(context.Context) (int, error) {
	return x.col.Count(), nil
}

// Close is a no-op; the collection lives only in memory.
func (x *Index) Close() error {
	return nil
}
