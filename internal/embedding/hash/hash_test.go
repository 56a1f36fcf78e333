// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package hash_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzervas/context-mcp/internal/embedding/hash"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestEmbed_DeterministicAndNormalized(t *testing.T) {
	e, err := hash.New(64)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Kubernetes pod eviction policy")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Kubernetes pod eviction policy")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, cosine(a, a), 1e-5)
}

func TestEmbed_SharedVocabularyIsCloser(t *testing.T) {
	e, err := hash.New(256)
	require.NoError(t, err)
	ctx := context.Background()

	q, _ := e.Embed(ctx, "rust borrow checker lifetimes")
	near, _ := e.Embed(ctx, "the rust borrow checker rejects dangling lifetimes")
	far, _ := e.Embed(ctx, "kubernetes ingress controller annotations")

	assert.Greater(t, cosine(q, near), cosine(q, far))
}

func TestEmbed_PunctuationOnlyIsNonZero(t *testing.T) {
	e, err := hash.New(8)
	require.NoError(t, err)

	v, err := e.Embed(context.Background(), "?!...")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, cosine(v, v), 1e-5)
}

func TestEmbed_CanceledContext(t *testing.T) {
	e, err := hash.New(8)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.Embed(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewDefaults(t *testing.T) {
	e, err := hash.New(0)
	require.NoError(t, err)
	assert.Equal(t, hash.DefaultDimensions, e.Dimensions())

	_, err = hash.New(-1)
	assert.Error(t, err)
	assert.Equal(t, []string{"go", "1", "25", "released"}, hash.Tokenize("Go 1.25 released!"))
}
