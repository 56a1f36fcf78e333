// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package capacity owns the store's memory budget and decides which entries
// give way when a write would exceed it.
package capacity

import (
	"cmp"
	"slices"
	"sync/atomic"
	"time"

	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Mode selects what the budget counts.
type Mode string

const (
	ModeCount Mode = "count"
	ModeBytes Mode = "bytes"
)

// Budget is the configured limit.
type Budget struct {
	Mode  Mode
	Limit int64
}

// Candidate is the slice of an entry the planner needs. The store builds
// candidates under its lock.
type Candidate struct {
	ID           string
	Importance   float64
	LastAccessed time.Time
	ValidUntil   *time.Time
	Tier         entry.Tier
	Evictable    bool
	Cost         int64
}

// CandidateOf projects an entry.
func CandidateOf(e *entry.ContextEntry, cost int64) Candidate {
	return Candidate{
		ID:           e.ID,
		Importance:   e.Importance,
		LastAccessed: e.Temporal.LastAccessed,
		ValidUntil:   e.Temporal.ValidUntil,
		Tier:         e.Tier,
		Evictable:    e.Evictable,
		Cost:         cost,
	}
}

func (c Candidate) expired(now time.Time) bool {
	return c.ValidUntil != nil && !c.ValidUntil.After(now)
}

// Protected reports whether capacity pressure may not touch c. LongTerm
// entries are protected unless expired or explicitly marked evictable.
func (c Candidate) Protected(now time.Time) bool {
	return c.Tier == entry.TierLongTerm && !c.Evictable && !c.expired(now)
}

// Manager tracks usage against the budget. Counters are atomics so stats
// can read them without the store lock; Plan and the mutating methods are
// called with the store's write lock held.
type Manager struct {
	budget    Budget
	halfLife  time.Duration
	used      atomic.Int64
	evictions atomic.Int64
}

// New validates the budget.
func New(b Budget, halfLife time.Duration) (*Manager, error) {
	if b.Mode == "" {
		b.Mode = ModeCount
	}
	if b.Mode != ModeCount && b.Mode != ModeBytes {
		return nil, cmerr.Errorf(cmerr.CodeStoreCapacityConfigBad, "unknown capacity mode %q", b.Mode)
	}
	if b.Limit <= 0 {
		return nil, cmerr.Errorf(cmerr.CodeStoreCapacityConfigBad, "capacity must be positive, got %d", b.Limit)
	}
	return &Manager{budget: b, halfLife: halfLife}, nil
}

// Cost is what an entry of the given byte size charges against the budget.
func (m *Manager) Cost(size int64) int64 {
	if m.budget.Mode == ModeBytes {
		return size
	}
	return 1
}

func (m *Manager) Mode() Mode               { return m.budget.Mode }
func (m *Manager) Limit() int64             { return m.budget.Limit }
func (m *Manager) Used() int64              { return m.used.Load() }
func (m *Manager) Evictions() int64         { return m.evictions.Load() }
func (m *Manager) HalfLife() time.Duration  { return m.halfLife }
func (m *Manager) Fits(incoming int64) bool { return m.used.Load()+incoming <= m.budget.Limit }
func (m *Manager) Charge(cost int64)        { m.used.Add(cost) }
func (m *Manager) Release(cost int64)       { m.used.Add(-cost) }
func (m *Manager) RecordEvictions(n int)    { m.evictions.Add(int64(n)) }

// Reset overwrites the counters, used when the store is rebuilt from a
// journal.
func (m *Manager) Reset(used, evicted int64) {
	m.used.Store(used)
	m.evictions.Store(evicted)
}

// Plan returns the smallest ordered victim list whose release makes room for
// an insert costing incoming. Candidates must not include the entry being
// inserted. Expired entries go first regardless of score; the remaining
// unprotected entries follow in ascending importance*recency order, the
// older last access losing ties.
//
// When no victim set frees enough room Plan fails with CapacityExhausted and
// the caller must leave the store untouched.
func (m *Manager) Plan(incoming int64, candidates []Candidate, now time.Time) ([]Candidate, error) {
	if incoming > m.budget.Limit {
		return nil, cmerr.Errorf(cmerr.CodeStoreCapacityExhausted,
			"entry cost %d exceeds total capacity %d", incoming, m.budget.Limit)
	}
	need := m.used.Load() + incoming - m.budget.Limit
	if need <= 0 {
		return nil, nil
	}

	order := m.rank(candidates, now)

	var (
		victims []Candidate
		freed   int64
	)
	for _, c := range order {
		if freed >= need {
			break
		}
		victims = append(victims, c)
		freed += c.Cost
	}
	if freed < need {
		return nil, cmerr.Errorf(cmerr.CodeStoreCapacityExhausted,
			"need %d, only %d reclaimable from unprotected entries", need, freed)
	}
	return victims, nil
}

// rank orders the evictable candidates. Protected ones are dropped.
func (m *Manager) rank(candidates []Candidate, now time.Time) []Candidate {
	type scored struct {
		Candidate
		isExpired bool
		score     float64
	}
	pool := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.Protected(now) {
			continue
		}
		pool = append(pool, scored{
			Candidate: c,
			isExpired: c.expired(now),
			score:     c.Importance * entry.RecencyWeight(c.LastAccessed, now, m.halfLife),
		})
	}

	slices.SortFunc(pool, func(a, b scored) int {
		if a.isExpired != b.isExpired {
			if a.isExpired {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(a.score, b.score); c != 0 {
			return c
		}
		if c := a.LastAccessed.Compare(b.LastAccessed); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	out := make([]Candidate, len(pool))
	for i, s := range pool {
		out[i] = s.Candidate
	}
	return out
}
