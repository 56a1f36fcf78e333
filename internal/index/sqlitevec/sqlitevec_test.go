// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package sqlitevec_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzervas/context-mcp/internal/index"
	"github.com/tzervas/context-mcp/internal/index/sqlitevec"
)

func testDBPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".db")
}

func TestIndex_AddAndSearch(t *testing.T) {
	ctx := context.Background()
	x, err := sqlitevec.New(testDBPath(t, "vectors"), 3)
	require.NoError(t, err)
	defer func() { _ = x.Close() }()

	require.NoError(t, x.Add(ctx, "v1", []float32{1, 0, 0}))
	require.NoError(t, x.Add(ctx, "v2", []float32{0, 1, 0}))
	require.NoError(t, x.Add(ctx, "v3", []float32{0.9, 0.1, 0}))

	hits, err := x.Search(ctx, []float32{2, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "v1", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)
	assert.Equal(t, "v3", hits[1].ID)
	assert.Less(t, hits[1].Similarity, hits[0].Similarity)
}

func TestIndex_OrthogonalSimilarityIsZero(t *testing.T) {
	ctx := context.Background()
	x, err := sqlitevec.New(testDBPath(t, "orth"), 2)
	require.NoError(t, err)
	defer func() { _ = x.Close() }()

	require.NoError(t, x.Add(ctx, "y", []float32{0, 5}))
	hits, err := x.Search(ctx, []float32{3, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 0.0, hits[0].Similarity, 1e-4)
}

func TestIndex_UpsertAndRemove(t *testing.T) {
	ctx := context.Background()
	x, err := sqlitevec.New(testDBPath(t, "upsert"), 3)
	require.NoError(t, err)
	defer func() { _ = x.Close() }()

	require.NoError(t, x.Add(ctx, "v1", []float32{1, 0, 0}))
	require.NoError(t, x.Add(ctx, "v1", []float32{0, 1, 0}))

	n, err := x.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, x.Remove(ctx, "v1", "absent"))
	hits, err := x.Search(ctx, []float32{0, 1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	n, err = x.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIndex_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t, "reopen")

	x, err := index.OpenVector(index.VectorConfig{Backend: "sqlite-vec", Dimensions: 2, Path: path})
	require.NoError(t, err)
	require.NoError(t, x.Add(ctx, "keep", []float32{1, 1}))
	require.NoError(t, x.Close())

	y, err := sqlitevec.New(path, 2)
	require.NoError(t, err)
	defer func() { _ = y.Close() }()
	n, err := y.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewRequiresPath(t *testing.T) {
	_, err := sqlitevec.New("", 3)
	assert.Error(t, err)
}
