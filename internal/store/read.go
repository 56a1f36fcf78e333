// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package store

import (
	"context"
	"iter"
	"maps"
	"time"

	"github.com/tzervas/context-mcp/internal/capacity"
	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/index"
	"github.com/tzervas/context-mcp/internal/query"
	"github.com/tzervas/context-mcp/internal/retrieval"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Get returns a copy of the entry and records the access.
func (s *Store) Get(ctx context.Context, id string) (*entry.ContextEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	r, ok := s.records[id]
	var out *entry.ContextEntry
	if ok {
		out = r.e.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}

	now := s.now()
	if now.After(out.Temporal.LastAccessed) {
		out.Temporal.LastAccessed = now
	}
	out.Temporal.RecencyWeight = entry.RecencyWeight(out.Temporal.LastAccessed, now, s.cfg.HalfLife)
	s.touch(ctx, now, id)
	return out, nil
}

// Query returns copies of every entry matching p. Matches count as accesses.
// An index fault is reported as IndexDivergence rather than answered from a
// partial view.
func (s *Store) Query(ctx context.Context, p query.Predicate) ([]*entry.ContextEntry, error) {
	out, _, err := s.Explain(ctx, p)
	return out, err
}

// Explain is Query that also reports how the predicate was evaluated.
func (s *Store) Explain(ctx context.Context, p query.Predicate) ([]*entry.ContextEntry, query.Plan, error) {
	if err := s.checkOpen(); err != nil {
		return nil, query.Plan{}, err
	}
	if err := s.FlushAccesses(ctx); err != nil {
		s.log.Warn("flushing access times", "error", err)
	}

	s.mu.RLock()
	out, plan, err := s.query.Run(catalog{s}, p, s.now())
	s.mu.RUnlock()

	switch {
	case err == nil:
		label := "index"
		if plan.FullScan {
			label = "scan"
		}
		s.metrics.queries.WithLabelValues(label).Inc()
		s.log.Debug("query evaluated", "indexes", plan.Indexes, "full_scan", plan.FullScan, "scanned", plan.Scanned, "matched", len(out))
		s.markAccessed(ctx, out)
	case cmerr.IsDivergence(err):
		s.metrics.divergences.Inc()
		s.metrics.queries.WithLabelValues("error").Inc()
		s.log.Error("index diverged from primary map", "error", err)
	default:
		s.metrics.queries.WithLabelValues("error").Inc()
	}
	return out, plan, err
}

// Retrieve returns at most k entries semantically similar to text, none
// below the configured similarity floor. k == 0 uses Config.DefaultK. Hits
// count as accesses.
func (s *Store) Retrieve(ctx context.Context, text string, k int) ([]retrieval.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if k == 0 {
		k = s.cfg.DefaultK
	}
	if s.embedder == nil {
		s.metrics.retrievals.WithLabelValues("unavailable").Inc()
		return nil, cmerr.New(cmerr.CodeRetrievalUnavailable, "no embedder configured")
	}
	if err := s.FlushAccesses(ctx); err != nil {
		s.log.Warn("flushing access times", "error", err)
	}

	start := time.Now()
	res, err := s.retrieval.Retrieve(ctx, text, k, source{s})
	s.metrics.retrievalLatency.Observe(time.Since(start).Seconds())
	switch {
	case err == nil && len(res) == 0:
		s.metrics.retrievals.WithLabelValues("empty").Inc()
		return res, nil
	case err == nil:
		s.metrics.retrievals.WithLabelValues("ok").Inc()
	case cmerr.IsUnavailable(err):
		s.metrics.retrievals.WithLabelValues("unavailable").Inc()
		return nil, err
	default:
		s.metrics.retrievals.WithLabelValues("error").Inc()
		return nil, err
	}

	es := make([]*entry.ContextEntry, len(res))
	for i, r := range res {
		es[i] = r.Entry
	}
	s.markAccessed(ctx, es)
	return res, nil
}

// markAccessed records a read of es, which are caller-owned copies, and shows
// the new access time on them.
func (s *Store) markAccessed(ctx context.Context, es []*entry.ContextEntry) {
	if len(es) == 0 {
		return
	}
	now := s.now()
	ids := make([]string, len(es))
	for i, e := range es {
		ids[i] = e.ID
		if now.After(e.Temporal.LastAccessed) {
			e.Temporal.LastAccessed = now
		}
		e.Temporal.RecencyWeight = entry.RecencyWeight(e.Temporal.LastAccessed, now, s.cfg.HalfLife)
	}
	s.touch(ctx, now, ids...)
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	TotalCount            int                `json:"total_count"`
	Capacity              int64              `json:"capacity"`
	CapacityMode          capacity.Mode      `json:"capacity_mode"`
	UsedBudget            int64              `json:"used_budget"`
	TierCounts            map[entry.Tier]int `json:"tier_counts"`
	EvictionCountLifetime int64              `json:"eviction_count_lifetime"`
	PendingScreening      int                `json:"pending_screening"`
	Unembedded            int                `json:"unembedded"`
	ScreeningQueued       int64              `json:"screening_queued"`
	ScreeningDropped      int64              `json:"screening_dropped"`
}

// Stats reports counts under the read lock.
func (s *Store) Stats() (Stats, error) {
	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}
	s.mu.RLock()
	st := Stats{
		TotalCount:            len(s.records),
		Capacity:              s.capacity.Limit(),
		CapacityMode:          s.capacity.Mode(),
		UsedBudget:            s.capacity.Used(),
		TierCounts:            maps.Clone(s.tierCounts),
		EvictionCountLifetime: s.capacity.Evictions(),
		PendingScreening:      s.unscreened,
		Unembedded:            s.unembedded,
	}
	s.mu.RUnlock()
	for _, t := range entry.Tiers {
		if _, ok := st.TierCounts[t]; !ok {
			st.TierCounts[t] = 0
		}
	}
	if s.pool != nil {
		st.ScreeningQueued = s.pool.Pending()
		st.ScreeningDropped = s.pool.Dropped()
	}
	return st, nil
}

// AgeBucket groups entries by time since creation.
type AgeBucket string

const (
	AgeHour  AgeBucket = "under_1h"
	AgeDay   AgeBucket = "under_24h"
	AgeWeek  AgeBucket = "under_7d"
	AgeOlder AgeBucket = "older"
)

func ageBucket(age time.Duration) AgeBucket {
	switch {
	case age < time.Hour:
		return AgeHour
	case age < 24*time.Hour:
		return AgeDay
	case age < 7*24*time.Hour:
		return AgeWeek
	default:
		return AgeOlder
	}
}

// TemporalStats summarizes the ages of stored entries.
type TemporalStats struct {
	At                time.Time                        `json:"at"`
	OldestCreatedAt   *time.Time                       `json:"oldest_created_at,omitempty"`
	NewestCreatedAt   *time.Time                       `json:"newest_created_at,omitempty"`
	AgeBuckets        map[entry.Tier]map[AgeBucket]int `json:"age_buckets"`
	Expired           int                              `json:"expired"`
	MeanRecencyWeight float64                          `json:"mean_recency_weight"`
}

// TemporalStats reports entry ages as of now. Buffered accesses are flushed
// first so recency weights reflect recent reads.
func (s *Store) TemporalStats(ctx context.Context) (TemporalStats, error) {
	if err := s.checkOpen(); err != nil {
		return TemporalStats{}, err
	}
	if err := s.FlushAccesses(ctx); err != nil {
		s.log.Warn("flushing access times", "error", err)
	}

	now := s.now()
	st := TemporalStats{At: now, AgeBuckets: make(map[entry.Tier]map[AgeBucket]int, len(entry.Tiers))}
	for _, t := range entry.Tiers {
		st.AgeBuckets[t] = map[AgeBucket]int{AgeHour: 0, AgeDay: 0, AgeWeek: 0, AgeOlder: 0}
	}

	var oldest, newest time.Time
	var weights float64
	s.mu.RLock()
	for _, r := range s.records {
		t := r.e.Temporal
		if oldest.IsZero() || t.CreatedAt.Before(oldest) {
			oldest = t.CreatedAt
		}
		if t.CreatedAt.After(newest) {
			newest = t.CreatedAt
		}
		st.AgeBuckets[r.e.Tier][ageBucket(now.Sub(t.CreatedAt))]++
		if t.Expired(now) {
			st.Expired++
		}
		weights += entry.RecencyWeight(t.LastAccessed, now, s.cfg.HalfLife)
	}
	n := len(s.records)
	s.mu.RUnlock()

	if n > 0 {
		st.OldestCreatedAt = &oldest
		st.NewestCreatedAt = &newest
		st.MeanRecencyWeight = weights / float64(n)
	}
	return st, nil
}

// catalog is the query engine's view of the store. The caller holds the
// read lock.
type catalog struct{ s *Store }

func (c catalog) Lookup(id string) (*entry.ContextEntry, bool) {
	r, ok := c.s.records[id]
	if !ok {
		return nil, false
	}
	return r.e, true
}

func (c catalog) Entries() iter.Seq[*entry.ContextEntry] {
	return func(yield func(*entry.ContextEntry) bool) {
		for _, r := range c.s.records {
			if !yield(r.e) {
				return
			}
		}
	}
}

func (c catalog) Len() int                 { return len(c.s.records) }
func (c catalog) Domains() *index.Inverted { return c.s.domains }
func (c catalog) Tags() *index.Inverted    { return c.s.tags }

func (c catalog) Timeline(field query.TimeField) *index.Timeline {
	if field == query.FieldLastAccessed {
		return c.s.accessed
	}
	return c.s.created
}

// source answers the retrieval engine's vector searches.
type source struct{ s *Store }

func (src source) Candidates(ctx context.Context, q []float32, n int) ([]retrieval.Candidate, error) {
	s := src.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits, err := s.vectors.Search(ctx, q, n)
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "searching vectors")
	}
	now := s.now()
	out := make([]retrieval.Candidate, 0, len(hits))
	for _, h := range hits {
		r, ok := s.records[h.ID]
		if !ok {
			// Vectors only change under the write lock, so this is a
			// dangling vector, not a concurrent delete.
			s.metrics.divergences.Inc()
			s.log.Error("vector index diverged from primary map", "id", h.ID)
			return nil, cmerr.New(cmerr.CodeStoreIndexDivergence,
				"vector index holds an entry the store does not", cmerr.FieldEntryID(h.ID))
		}
		c := r.e.Clone()
		c.Temporal.RecencyWeight = entry.RecencyWeight(c.Temporal.LastAccessed, now, s.cfg.HalfLife)
		out = append(out, retrieval.Candidate{Entry: c, Similarity: h.Similarity})
	}
	return out, nil
}
