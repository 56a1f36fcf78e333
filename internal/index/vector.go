// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package index

import (
	"context"
	"math"
	"sort"
	"sync"

	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// VectorHit is one nearest-neighbour result. Similarity is cosine
// similarity: higher means closer, 1 is identical direction.
type VectorHit struct {
	ID         string
	Similarity float64
}

// VectorIndex stores one embedding per entry id and answers
// nearest-neighbour queries.
type VectorIndex interface {
	// Add inserts or replaces the embedding for id.
	Add(ctx context.Context, id string, vec []float32) error
	// Remove deletes embeddings; unknown ids are ignored.
	Remove(ctx context.Context, ids ...string) error
	// Search returns up to n hits ordered by descending similarity.
	Search(ctx context.Context, query []float32, n int) ([]VectorHit, error)
	// Count returns the number of stored embeddings.
	Count(ctx context.Context) (int, error)
	Close() error
}

// VectorConfig selects and sizes a vector backend.
type VectorConfig struct {
	Backend    string
	Dimensions int
	// Path is the database file for durable backends.
	Path string
}

// VectorFactory opens a backend.
type VectorFactory func(cfg VectorConfig) (VectorIndex, error)

// DefaultVectorBackend is used when VectorConfig.Backend is empty.
const DefaultVectorBackend = "chromem"

var (
	vectorFactories   = map[string]VectorFactory{}
	vectorFactoriesMu sync.RWMutex
)

// RegisterVectorBackend registers a named backend. Backend packages call
// this from init().
func RegisterVectorBackend(name string, f VectorFactory) {
	vectorFactoriesMu.Lock()
	defer vectorFactoriesMu.Unlock()
	vectorFactories[name] = f
}

// VectorBackends lists the registered backend names.
func VectorBackends() []string {
	vectorFactoriesMu.RLock()
	defer vectorFactoriesMu.RUnlock()
	out := make([]string, 0, len(vectorFactories))
	for name := range vectorFactories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// OpenVector opens the backend named in cfg.
func OpenVector(cfg VectorConfig) (VectorIndex, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = DefaultVectorBackend
	}
	if cfg.Dimensions <= 0 {
		return nil, cmerr.Errorf(cmerr.CodeStoreVectorDimensionBad,
			"vector dimensions must be positive, got %d", cfg.Dimensions)
	}

	vectorFactoriesMu.RLock()
	f, ok := vectorFactories[backend]
	vectorFactoriesMu.RUnlock()
	if !ok {
		return nil, cmerr.New(cmerr.CodeStoreBackendUnsupported,
			"unsupported vector backend", cmerr.FieldBackend(backend))
	}
	return f(cfg)
}

// Normalize scales vec to unit length in place and returns it. A zero
// vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// CheckDimensions rejects a vector whose length is not dims.
func CheckDimensions(vec []float32, dims int) error {
	if len(vec) != dims {
		return cmerr.Errorf(cmerr.CodeStoreVectorDimensionBad,
			"vector has %d dimensions, index expects %d", len(vec), dims)
	}
	return nil
}
