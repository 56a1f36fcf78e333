// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package capacity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzervas/context-mcp/internal/capacity"
	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

var now = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func full(t *testing.T, limit int64) *capacity.Manager {
	t.Helper()
	m, err := capacity.New(capacity.Budget{Mode: capacity.ModeCount, Limit: limit}, time.Hour)
	require.NoError(t, err)
	m.Charge(limit)
	return m
}

func cand(id string, imp float64, accessed time.Duration) capacity.Candidate {
	return capacity.Candidate{
		ID:           id,
		Importance:   imp,
		LastAccessed: now.Add(-accessed),
		Tier:         entry.TierEpisodic,
		Cost:         1,
	}
}

func ids(cs []capacity.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestNewRejectsBadBudget(t *testing.T) {
	_, err := capacity.New(capacity.Budget{Limit: 0}, time.Hour)
	assert.True(t, cmerr.IsInvalidInput(err))
	_, err = capacity.New(capacity.Budget{Mode: "pages", Limit: 3}, time.Hour)
	assert.True(t, cmerr.IsInvalidInput(err))

	m, err := capacity.New(capacity.Budget{Limit: 3}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, capacity.ModeCount, m.Mode())
}

func TestPlanNoEvictionWhenRoom(t *testing.T) {
	m, err := capacity.New(capacity.Budget{Limit: 3}, time.Hour)
	require.NoError(t, err)
	m.Charge(2)

	victims, err := m.Plan(1, []capacity.Candidate{cand("a", 0.1, 0)}, now)
	require.NoError(t, err)
	assert.Empty(t, victims)
}

func TestPlanLowestScoreFirst(t *testing.T) {
	m := full(t, 3)
	cands := []capacity.Candidate{
		cand("hi", 0.9, 0),
		cand("lo", 0.2, 0),
		// Higher importance but two half-lives stale: 0.6 * 0.25 = 0.15.
		cand("stale", 0.6, 2*time.Hour),
	}

	victims, err := m.Plan(1, cands, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids(victims))
}

func TestPlanExpiredFirst(t *testing.T) {
	m := full(t, 3)
	past := now.Add(-time.Minute)
	expired := cand("expired", 1.0, 0)
	expired.ValidUntil = &past

	victims, err := m.Plan(1, []capacity.Candidate{cand("lo", 0.01, 5*time.Hour), expired, cand("mid", 0.5, 0)}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"expired"}, ids(victims))
}

func TestPlanTieBreaksOnOldestAccess(t *testing.T) {
	m, err := capacity.New(capacity.Budget{Limit: 2}, 0)
	require.NoError(t, err)
	m.Charge(2)

	// Half-life zero disables decay, so scores tie exactly.
	victims, err := m.Plan(1, []capacity.Candidate{cand("newer", 0.5, time.Minute), cand("older", 0.5, time.Hour)}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"older"}, ids(victims))
}

func TestPlanProtectsLongTerm(t *testing.T) {
	m := full(t, 2)
	lt := cand("lt", 0.0, 10*time.Hour)
	lt.Tier = entry.TierLongTerm
	lt2 := cand("lt2", 0.0, 10*time.Hour)
	lt2.Tier = entry.TierLongTerm

	_, err := m.Plan(1, []capacity.Candidate{lt, lt2}, now)
	require.Error(t, err)
	assert.True(t, cmerr.IsCapacityExhausted(err))

	lt2.Evictable = true
	victims, err := m.Plan(1, []capacity.Candidate{lt, lt2}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"lt2"}, ids(victims))

	past := now.Add(-time.Second)
	lt.ValidUntil = &past
	victims, err = m.Plan(1, []capacity.Candidate{lt, lt2}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"lt"}, ids(victims), "expired long-term entries lose protection")
}

func TestPlanBytesModeEvictsMinimum(t *testing.T) {
	m, err := capacity.New(capacity.Budget{Mode: capacity.ModeBytes, Limit: 100}, time.Hour)
	require.NoError(t, err)
	m.Charge(90)
	assert.Equal(t, int64(42), m.Cost(42))

	a := cand("a", 0.1, 0)
	a.Cost = 15
	b := cand("b", 0.2, 0)
	b.Cost = 30
	c := cand("c", 0.3, 0)
	c.Cost = 45

	victims, err := m.Plan(40, []capacity.Candidate{c, b, a}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(victims))

	_, err = m.Plan(101, nil, now)
	assert.True(t, cmerr.IsCapacityExhausted(err), "entry larger than the whole budget")
}

func TestCountersAreIndependentOfPlan(t *testing.T) {
	m := full(t, 5)
	_, err := m.Plan(1, []capacity.Candidate{cand("a", 0, 0)}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.Used(), "planning never mutates usage")

	m.Release(1)
	m.RecordEvictions(1)
	assert.Equal(t, int64(4), m.Used())
	assert.Equal(t, int64(1), m.Evictions())
	assert.True(t, m.Fits(1))

	m.Reset(2, 7)
	assert.Equal(t, int64(2), m.Used())
	assert.Equal(t, int64(7), m.Evictions())
}
