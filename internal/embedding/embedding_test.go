// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package embedding_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzervas/context-mcp/internal/embedding"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

type stubEmbedder struct {
	dims  int
	vec   []float32
	err   error
	block bool
	calls int
}

func (s *stubEmbedder) Name() string    { return "stub" }
func (s *stubEmbedder) Dimensions() int { return s.dims }

func (s *stubEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.vec, s.err
}

func TestGuard_Success(t *testing.T) {
	g, err := embedding.NewGuard(&stubEmbedder{dims: 2, vec: []float32{1, 0}}, time.Second, nil)
	require.NoError(t, err)

	vec, err := g.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
	assert.True(t, g.Health().Available)
}

func TestGuard_FailureIsRetrievalUnavailable(t *testing.T) {
	stub := &stubEmbedder{dims: 2, err: errors.New("connection refused")}
	g, err := embedding.NewGuard(stub, time.Second, nil)
	require.NoError(t, err)

	_, err = g.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, cmerr.IsUnavailable(err))
	assert.True(t, cmerr.HasCode(err, cmerr.CodeRetrievalUnavailable))

	// Cooling down: the backend is not called again.
	_, err = g.Embed(context.Background(), "x")
	assert.True(t, cmerr.IsUnavailable(err))
	assert.Equal(t, 1, stub.calls)
	assert.False(t, g.Health().Available)
	assert.Equal(t, int64(1), g.Health().FailureCount)
}

func TestGuard_Timeout(t *testing.T) {
	g, err := embedding.NewGuard(&stubEmbedder{dims: 2, block: true}, 10*time.Millisecond, nil)
	require.NoError(t, err)

	_, err = g.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, cmerr.IsUnavailable(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestGuard_CallerCancelKeepsHealth(t *testing.T) {
	stub := &stubEmbedder{dims: 2, block: true}
	g, err := embedding.NewGuard(stub, time.Second, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Embed(ctx, "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, g.Health().Available)
	assert.Equal(t, int64(0), g.Health().FailureCount)

	stub.block = false
	stub.vec = []float32{0, 1}
	vec, err := g.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)
	assert.Equal(t, 2, stub.calls)
}

func TestGuard_WrongDimensions(t *testing.T) {
	g, err := embedding.NewGuard(&stubEmbedder{dims: 3, vec: []float32{1}}, time.Second, nil)
	require.NoError(t, err)

	_, err = g.Embed(context.Background(), "x")
	assert.True(t, cmerr.IsUnavailable(err))
}

func TestGuard_Construction(t *testing.T) {
	_, err := embedding.NewGuard(nil, time.Second, nil)
	assert.True(t, cmerr.IsInvalidInput(err))
	_, err = embedding.NewGuard(&stubEmbedder{dims: 0}, time.Second, nil)
	assert.True(t, cmerr.IsInvalidInput(err))
}

func TestHealthTracker_CooldownBoundary(t *testing.T) {
	cooldown := 10 * time.Second
	now := time.Now()

	tests := []struct {
		name        string
		elapsed     time.Duration
		wantHealthy bool
	}{
		{name: "before cooldown", elapsed: 9 * time.Second, wantHealthy: false},
		{name: "at exact cooldown boundary", elapsed: 10 * time.Second, wantHealthy: true},
		{name: "after cooldown", elapsed: 11 * time.Second, wantHealthy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := embedding.NewHealthTracker("stub", cooldown)
			require.NoError(t, err)
			h.SetNowFunc(func() time.Time { return now })

			h.RecordFailure()
			assert.False(t, h.IsHealthy())

			h.SetNowFunc(func() time.Time { return now.Add(tt.elapsed) })
			assert.Equal(t, tt.wantHealthy, h.IsHealthy())
		})
	}
}

func TestHealthTracker_Metrics(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h, err := embedding.NewHealthTracker("stub", time.Minute)
	require.NoError(t, err)
	h.SetNowFunc(func() time.Time { return now })

	m := h.Metrics()
	assert.True(t, m.Available)
	assert.Nil(t, m.LastFailureAt)

	h.RecordFailure()
	m = h.Metrics()
	assert.Equal(t, "stub", m.Name)
	assert.False(t, m.Available)
	require.NotNil(t, m.CooldownUntil)
	assert.Equal(t, now.Add(time.Minute), *m.CooldownUntil)

	h.RecordSuccess()
	assert.Nil(t, h.Metrics().CooldownUntil)

	_, err = embedding.NewHealthTracker("bad", 0)
	assert.Error(t, err)
}

func TestHealthTracker_ConcurrentRecordCalls(t *testing.T) {
	h, err := embedding.NewHealthTracker("stub", time.Minute)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if i%2 == 0 {
					h.RecordFailure()
				} else {
					h.RecordSuccess()
				}
				_ = h.IsHealthy()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(500), h.Metrics().FailureCount)
}
