// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package retrieval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/retrieval"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

type fixedEmbedder struct {
	err error
}

func (f fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fakeSource struct {
	cands []retrieval.Candidate
	asked int
}

func (f *fakeSource) Candidates(_ context.Context, _ []float32, n int) ([]retrieval.Candidate, error) {
	f.asked = n
	return f.cands, nil
}

func cand(id string, sim, imp float64) retrieval.Candidate {
	e := entry.New(id, entry.Draft{Content: id, Importance: imp}, time.Unix(0, 0))
	return retrieval.Candidate{Entry: e, Similarity: sim}
}

func ids(rs []retrieval.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Entry.ID
	}
	return out
}

func TestRetrieve_FloorAndK(t *testing.T) {
	src := &fakeSource{cands: []retrieval.Candidate{
		cand("a", 0.95, 0.1),
		cand("b", 0.80, 0.1),
		cand("c", 0.75, 0.1),
		cand("low", 0.20, 1.0),
		cand("d", 0.60, 0.1),
	}}
	eng := retrieval.Engine{Embedder: fixedEmbedder{}, Floor: 0.5}

	for k := 1; k <= 6; k++ {
		got, err := eng.Retrieve(context.Background(), "query", k, src)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(got), k)
		for _, r := range got {
			assert.GreaterOrEqual(t, r.Similarity, 0.5)
		}
	}

	got, err := eng.Retrieve(context.Background(), "query", 3, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
	assert.Equal(t, 3*retrieval.DefaultOversample, src.asked)
}

func TestRetrieve_TieBreaksOnImportance(t *testing.T) {
	src := &fakeSource{cands: []retrieval.Candidate{
		cand("x", 0.7, 0.2),
		cand("y", 0.7, 0.9),
		cand("z", 0.7, 0.2),
	}}
	got, err := retrieval.Engine{Embedder: fixedEmbedder{}}.Retrieve(context.Background(), "q", 10, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x", "z"}, ids(got))
}

func TestRetrieve_NothingAboveFloorIsEmpty(t *testing.T) {
	src := &fakeSource{cands: []retrieval.Candidate{cand("a", 0.1, 1)}}
	got, err := retrieval.Engine{Embedder: fixedEmbedder{}, Floor: 0.9}.Retrieve(context.Background(), "q", 5, src)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieve_EmbedderFailureIsDistinct(t *testing.T) {
	src := &fakeSource{}

	_, err := retrieval.Engine{Embedder: fixedEmbedder{err: errors.New("down")}}.Retrieve(context.Background(), "q", 5, src)
	require.Error(t, err)
	assert.True(t, cmerr.IsUnavailable(err))
	assert.Zero(t, src.asked, "index is never searched without a query vector")

	passthrough := cmerr.New(cmerr.CodeRetrievalUnavailable, "cooling down")
	_, err = retrieval.Engine{Embedder: fixedEmbedder{err: passthrough}}.Retrieve(context.Background(), "q", 5, src)
	assert.Equal(t, passthrough, err)

	_, err = retrieval.Engine{}.Retrieve(context.Background(), "q", 5, src)
	assert.True(t, cmerr.IsUnavailable(err))
}

func TestRetrieve_InvalidInput(t *testing.T) {
	eng := retrieval.Engine{Embedder: fixedEmbedder{}}
	_, err := eng.Retrieve(context.Background(), "  ", 5, &fakeSource{})
	assert.True(t, cmerr.IsInvalidInput(err))
	_, err = eng.Retrieve(context.Background(), "q", 0, &fakeSource{})
	assert.True(t, cmerr.IsInvalidInput(err))
}

func TestRetrieve_MaxResultsCapsK(t *testing.T) {
	var cands []retrieval.Candidate
	for _, id := range []string{"a", "b", "c", "d"} {
		cands = append(cands, cand(id, 0.9, 0.5))
	}
	got, err := retrieval.Engine{Embedder: fixedEmbedder{}, MaxResults: 2}.Retrieve(context.Background(), "q", 10, &fakeSource{cands: cands})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
