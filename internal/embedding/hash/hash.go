// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package hash is an offline embedder using the hashing trick: every token
// and adjacent token pair is hashed into a fixed number of signed buckets.
// Texts sharing vocabulary land close together under cosine similarity,
// which is enough for local development and tests without a model.
package hash

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/tzervas/context-mcp/internal/embedding"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// DefaultDimensions is used when New is given zero.
const DefaultDimensions = 256

const bigramWeight = 0.5

var _ embedding.Embedder = (*Embedder)(nil)

// Embedder is deterministic and safe for concurrent use.
type Embedder struct {
	dims int
}

// New returns an embedder producing vectors of size dims.
func New(dims int) (*Embedder, error) {
	if dims == 0 {
		dims = DefaultDimensions
	}
	if dims < 0 {
		return nil, cmerr.Errorf(cmerr.CodeEmbeddingRequestInvalid, "dimensions must be positive, got %d", dims)
	}
	return &Embedder{dims: dims}, nil
}

func (e *Embedder) Name() string    { return "hash" }
func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		// Punctuation-only text still gets a stable, non-zero vector.
		tokens = []string{text}
	}

	acc := make([]float64, e.dims)
	for i, tok := range tokens {
		e.add(acc, tok, 1)
		if i > 0 {
			e.add(acc, tokens[i-1]+" "+tok, bigramWeight)
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, e.dims)
	if norm == 0 {
		out[0] = 1
		return out, nil
	}
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (e *Embedder) add(acc []float64, feature string, weight float64) {
	h := xxhash.Sum64String(feature)
	bucket := h % uint64(e.dims)
	if h>>63 == 1 {
		weight = -weight
	}
	acc[bucket] += weight
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
