// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package store

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/tzervas/context-mcp/internal/consolidate"
	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/index"
	"github.com/tzervas/context-mcp/internal/persist"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Consolidate runs one consolidation pass. Steps whose entries changed while
// the pass was planning are deferred, not failed.
func (s *Store) Consolidate(ctx context.Context) (consolidate.Report, error) {
	if err := s.checkOpen(); err != nil {
		return consolidate.Report{}, err
	}
	if err := s.FlushAccesses(ctx); err != nil {
		s.log.Warn("flushing access times", "error", err)
	}

	rep, err := s.consolidator.Run(ctx, view{s})
	s.metrics.consolidatedItems.WithLabelValues("promoted").Add(float64(rep.Promoted))
	s.metrics.consolidatedItems.WithLabelValues("merged").Add(float64(rep.Merged))
	s.metrics.consolidatedItems.WithLabelValues("deferred").Add(float64(rep.Deferred))
	if err != nil {
		s.metrics.consolidations.WithLabelValues("error").Inc()
		return rep, err
	}
	s.metrics.consolidations.WithLabelValues("ok").Inc()
	if rep.Changed() || rep.Deferred > 0 {
		s.log.Info("consolidation pass complete",
			"promoted", rep.Promoted,
			"merged", rep.Merged,
			"merged_sources", rep.MergedSources,
			"deferred", rep.Deferred,
		)
	}
	return rep, nil
}

// Reindex embeds every entry stored without a vector and returns how many
// were filled in. It stops at the first embedding failure; entries changed
// while their embedding was computed are skipped and picked up next time.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if s.embedder == nil {
		return 0, cmerr.New(cmerr.CodeRetrievalUnavailable, "no embedder configured")
	}

	type pending struct {
		id      string
		version uint64
		content string
	}
	s.mu.RLock()
	var todo []pending
	for id, r := range s.records {
		if r.vec == nil {
			todo = append(todo, pending{id: id, version: r.e.Version, content: r.e.Content})
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(todo, func(a, b pending) int { return cmp.Compare(a.id, b.id) })

	done := 0
	for _, p := range todo {
		vec, err := s.embedder.Embed(ctx, p.content)
		if err != nil {
			return done, err
		}
		committed, err := s.attachVector(ctx, p.id, p.version, vec)
		if err != nil {
			return done, err
		}
		if committed {
			done++
		}
	}
	if done > 0 {
		s.log.Info("reindexed entries", "count", done, "skipped", len(todo)-done)
	}
	return done, nil
}

func (s *Store) attachVector(ctx context.Context, id string, version uint64, vec []float32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.e.Version != version || r.vec != nil {
		return false, nil
	}
	nr := &record{e: r.e, vec: vec, cost: r.cost}
	if err := s.applyLocked(ctx, mutation{op: persist.OpReindex, upserts: []*record{nr}}); err != nil {
		return false, err
	}
	return true, nil
}

// view adapts the store to the consolidation engine.
type view struct{ s *Store }

func (v view) Candidates(tier entry.Tier, createdBefore time.Time, limit int) []*entry.ContextEntry {
	s := v.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entry.ContextEntry
	for id := range s.created.Range(time.Time{}, createdBefore) {
		r, ok := s.records[id]
		if !ok || r.e.Tier != tier || !r.e.Temporal.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, r.e)
	}
	slices.SortFunc(out, func(a, b *entry.ContextEntry) int {
		if c := a.Temporal.CreatedAt.Compare(b.Temporal.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, e := range out {
		out[i] = e.Clone()
	}
	return out
}

func (v view) Promote(ctx context.Context, id string, version uint64, to entry.Tier, content *string, rec entry.ProvenanceRecord) error {
	s := v.s
	if err := s.checkOpen(); err != nil {
		return err
	}
	var vec []float32
	if content != nil {
		vec = s.embed(ctx, *content)
	}

	s.mu.Lock()
	r, ok := s.records[id]
	if !ok || r.e.Version != version {
		s.mu.Unlock()
		return stale(id)
	}
	if !r.e.Tier.CanAdvanceTo(to) {
		s.mu.Unlock()
		return cmerr.New(cmerr.CodeStoreTierTransition, "tier transition not allowed",
			cmerr.FieldEntryID(id), cmerr.Field("from", string(r.e.Tier)), cmerr.Field("to", string(to)))
	}

	u := r.e.Clone()
	u.Tier = to
	rec.SourceIDs = slices.Clone(rec.SourceIDs)
	u.Provenance = append(u.Provenance, rec)
	u.Version++
	nr := &record{e: u, vec: r.vec, cost: r.cost}
	if content != nil {
		u.Content = *content
		// The old verdict described the old text.
		u.Screening = nil
		nr.vec = vec
		nr.cost = s.capacity.Cost(u.Size())
	}

	victims, err := s.planLocked(nr.cost-r.cost, index.NewIDSet(id), s.now())
	if err != nil {
		s.mu.Unlock()
		return deferCapacity(err)
	}
	if err := s.applyLocked(ctx, mutation{op: persist.OpPromote, upserts: []*record{nr}, victims: victims}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if content != nil {
		s.screen(id, u.Version, u.Content)
	}
	return nil
}

func (v view) Merge(ctx context.Context, sources map[string]uint64, merged *entry.ContextEntry) error {
	s := v.s
	if err := s.checkOpen(); err != nil {
		return err
	}
	vec := s.embed(ctx, merged.Content)

	s.mu.Lock()
	ids := make([]string, 0, len(sources))
	var freed int64
	for id, version := range sources {
		r, ok := s.records[id]
		if !ok || r.e.Version != version {
			s.mu.Unlock()
			return stale(id)
		}
		if !r.e.Tier.CanAdvanceTo(merged.Tier) {
			s.mu.Unlock()
			return cmerr.New(cmerr.CodeStoreTierTransition, "tier transition not allowed",
				cmerr.FieldEntryID(id), cmerr.Field("from", string(r.e.Tier)), cmerr.Field("to", string(merged.Tier)))
		}
		ids = append(ids, id)
		freed += r.cost
	}
	slices.Sort(ids)
	if _, taken := s.records[merged.ID]; taken {
		s.mu.Unlock()
		return stale(merged.ID)
	}

	e := merged.Clone()
	nr := &record{e: e, vec: vec, cost: s.capacity.Cost(e.Size())}
	victims, err := s.planLocked(nr.cost-freed, index.NewIDSet(ids...), s.now())
	if err != nil {
		s.mu.Unlock()
		return deferCapacity(err)
	}
	err = s.applyLocked(ctx, mutation{op: persist.OpMerge, upserts: []*record{nr}, removed: ids, victims: victims})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	// The merged text is new content even when every source was screened.
	s.screen(e.ID, e.Version, e.Content)
	return nil
}

func stale(id string) error {
	return cmerr.New(cmerr.CodeConsolidationDeferred, "entry changed since the pass read it", cmerr.FieldEntryID(id))
}

func deferCapacity(err error) error {
	if cmerr.IsCapacityExhausted(err) {
		return cmerr.Recode(err, cmerr.CodeConsolidationDeferred, "no room for consolidated entry")
	}
	return err
}
