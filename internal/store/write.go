// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package store

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/tzervas/context-mcp/internal/capacity"
	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/index"
	"github.com/tzervas/context-mcp/internal/persist"
	"github.com/tzervas/context-mcp/internal/screening"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// ProvenanceReset is recorded when an operator moves an entry between tiers
// by hand.
const ProvenanceReset = "reset"

// mutation is one atomic change to the store. upserts replace or add
// records; removed and victims are deleted, victims counting as evictions.
type mutation struct {
	op      persist.Op
	upserts []*record
	removed []string
	victims []capacity.Candidate
}

// applyLocked commits m. Vector index changes are made first and undone if
// any later step fails; the journal append comes next; the in-memory maps
// change only once both have succeeded, so a failed write leaves no visible
// trace.
func (s *Store) applyLocked(ctx context.Context, m mutation) error {
	now := s.now()
	tx := vectorTx{vi: s.vectors}
	fail := func(err error) error {
		tx.rollback(context.WithoutCancel(ctx), s.log)
		return err
	}

	removed := slices.Clone(m.removed)
	for _, v := range m.victims {
		removed = append(removed, v.ID)
	}
	for _, id := range removed {
		if r := s.records[id]; r != nil && r.vec != nil {
			if err := tx.remove(ctx, id, r.vec); err != nil {
				return fail(err)
			}
		}
	}

	snaps := make([]persist.Snapshot, len(m.upserts))
	for i, r := range m.upserts {
		snaps[i] = persist.Snapshot{Entry: r.e}
		var prev []float32
		if old := s.records[r.e.ID]; old != nil {
			prev = old.vec
		}
		switch {
		case sameVector(prev, r.vec):
		case r.vec != nil:
			if err := tx.add(ctx, r.e.ID, r.vec, prev); err != nil {
				return fail(err)
			}
			snaps[i].Vector = r.vec
		default:
			if err := tx.remove(ctx, r.e.ID, prev); err != nil {
				return fail(err)
			}
			// Empty, not nil: clears the stored vector.
			snaps[i].Vector = []float32{}
		}
	}

	if s.journal != nil {
		rec := persist.Record{
			Op:      m.op,
			Upserts: snaps,
			Removed: removed,
			Evicted: len(m.victims),
			At:      now,
		}
		if err := s.journal.Append(ctx, rec); err != nil {
			return fail(err)
		}
	}

	for _, id := range removed {
		if r := s.removeLocked(id); r != nil {
			s.capacity.Release(r.cost)
		}
	}
	for _, r := range m.upserts {
		s.replaceLocked(r)
	}
	if n := len(m.victims); n > 0 {
		s.capacity.RecordEvictions(n)
		s.metrics.evictions.Add(float64(n))
		ids := make([]string, n)
		for i, v := range m.victims {
			ids[i] = v.ID
		}
		s.log.Info("evicted entries to make room", "op", m.op, "count", n, "ids", ids)
	}
	s.observeLocked()
	return nil
}

// planLocked returns the victims needed to fit cost more budget, never
// choosing an entry in exclude.
func (s *Store) planLocked(cost int64, exclude index.IDSet, now time.Time) ([]capacity.Candidate, error) {
	if cost <= 0 || s.capacity.Fits(cost) {
		return nil, nil
	}
	cands := make([]capacity.Candidate, 0, len(s.records))
	for id, r := range s.records {
		if exclude.Has(id) {
			continue
		}
		cands = append(cands, capacity.CandidateOf(r.e, r.cost))
	}
	return s.capacity.Plan(cost, cands, now)
}

// Put stores a new entry and returns its id. When the budget is full the
// lowest-value unprotected entries are evicted in the same write; when no
// set of victims frees enough room the put fails with CapacityExhausted and
// nothing changes.
func (s *Store) Put(ctx context.Context, d entry.Draft) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if err := d.Validate(s.limits()); err != nil {
		s.metrics.puts.WithLabelValues("invalid").Inc()
		return "", err
	}
	vec := s.embed(ctx, d.Content)

	s.mu.Lock()
	s.flushTouchesLocked(ctx)
	now := s.now()
	e := entry.New(s.newIDLocked(), d, now)
	r := &record{e: e, vec: vec, cost: s.capacity.Cost(e.Size())}

	victims, err := s.planLocked(r.cost, nil, now)
	if err != nil {
		s.mu.Unlock()
		s.metrics.puts.WithLabelValues("rejected").Inc()
		return "", err
	}
	if err := s.applyLocked(ctx, mutation{op: persist.OpPut, upserts: []*record{r}, victims: victims}); err != nil {
		s.mu.Unlock()
		s.metrics.puts.WithLabelValues("error").Inc()
		return "", err
	}
	unscreened := e.Screening == nil
	s.mu.Unlock()

	s.metrics.puts.WithLabelValues("ok").Inc()
	if unscreened {
		s.screen(e.ID, e.Version, e.Content)
	}
	return e.ID, nil
}

// Update applies a patch to the mutable fields of an entry.
func (s *Store) Update(ctx context.Context, id string, p entry.Patch) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushTouchesLocked(ctx)

	r, ok := s.records[id]
	if !ok {
		return notFound(id)
	}
	if p.Empty() {
		return nil
	}
	updated := p.Apply(r.e)
	nr := &record{e: updated, vec: r.vec, cost: s.capacity.Cost(updated.Size())}

	victims, err := s.planLocked(nr.cost-r.cost, index.NewIDSet(id), s.now())
	if err != nil {
		return err
	}
	return s.applyLocked(ctx, mutation{op: persist.OpUpdate, upserts: []*record{nr}, victims: victims})
}

// Delete removes an entry. Deleting an id that is not stored is a no-op and
// reports false.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	if err := s.applyLocked(ctx, mutation{op: persist.OpDelete, removed: []string{id}}); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateScreening attaches a screening verdict to an entry.
func (s *Store) UpdateScreening(ctx context.Context, id string, verdict entry.Screening) error {
	_, err := s.setScreening(ctx, id, verdict, nil)
	return err
}

// applyVerdict attaches a verdict from the screening pool. A verdict for
// content the entry no longer holds is discarded; the replacement content
// has its own job queued.
func (s *Store) applyVerdict(ctx context.Context, job screening.Job, verdict entry.Screening) error {
	applied, err := s.setScreening(ctx, job.ID, verdict, func(cur *entry.ContextEntry) bool {
		return cur.Version == job.Version || cur.Content == job.Content
	})
	if err == nil && !applied {
		s.log.Debug("discarding verdict for replaced content", "id", job.ID, "job_version", job.Version)
	}
	return err
}

// setScreening stores verdict on id when current accepts the entry as it is
// now. A nil check always accepts.
func (s *Store) setScreening(ctx context.Context, id string, verdict entry.Screening, current func(*entry.ContextEntry) bool) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if err := entry.ValidateScreening(verdict); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, notFound(id)
	}
	if current != nil && !current(r.e) {
		return false, nil
	}
	updated := r.e.Clone()
	v := verdict
	v.Flags = slices.Clone(verdict.Flags)
	updated.Screening = &v
	updated.Version++
	nr := &record{e: updated, vec: r.vec, cost: r.cost}
	if err := s.applyLocked(ctx, mutation{op: persist.OpUpdate, upserts: []*record{nr}}); err != nil {
		return false, err
	}
	return true, nil
}

// ResetTier moves an entry to any tier, bypassing the forward-only rule
// consolidation follows. The move is recorded in the entry's provenance.
func (s *Store) ResetTier(ctx context.Context, id string, tier entry.Tier) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !tier.Valid() {
		return cmerr.Errorf(cmerr.CodeStoreTierTransition, "unknown tier %q", tier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return notFound(id)
	}
	if r.e.Tier == tier {
		return nil
	}
	updated := r.e.Clone()
	updated.Provenance = append(updated.Provenance, entry.ProvenanceRecord{
		Action:    ProvenanceReset,
		SourceIDs: []string{id},
		FromTier:  r.e.Tier,
		ToTier:    tier,
		At:        s.now(),
	})
	updated.Tier = tier
	updated.Version++
	nr := &record{e: updated, vec: r.vec, cost: r.cost}
	if err := s.applyLocked(ctx, mutation{op: persist.OpReset, upserts: []*record{nr}}); err != nil {
		return err
	}
	s.log.Info("entry tier reset", "entry_id", id, "from", r.e.Tier, "to", tier)
	return nil
}

// CleanupExpired removes every entry whose validity window has closed and
// returns how many were removed. Expired entries removed here do not count
// as evictions.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushTouchesLocked(ctx)

	now := s.now()
	var expired []string
	for id, r := range s.records {
		if r.e.Temporal.Expired(now) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	slices.Sort(expired)
	if err := s.applyLocked(ctx, mutation{op: persist.OpCleanup, removed: expired}); err != nil {
		return 0, err
	}
	s.log.Info("removed expired entries", "count", len(expired))
	return len(expired), nil
}

// screen queues content for screening. A full queue leaves the entry
// unscreened; it is retried on the next Open.
func (s *Store) screen(id string, version uint64, content string) {
	if s.pool == nil {
		return
	}
	s.pool.Enqueue(screening.Job{ID: id, Version: version, Content: content})
}

func notFound(id string) error {
	return cmerr.New(cmerr.CodeStoreEntryNotFound, "entry not found", cmerr.FieldEntryID(id))
}

// vectorTx records how to undo each vector index change it makes.
type vectorTx struct {
	vi   index.VectorIndex
	undo []func(context.Context) error
}

func (t *vectorTx) add(ctx context.Context, id string, vec, prev []float32) error {
	if err := t.vi.Add(ctx, id, vec); err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "adding vector", cmerr.FieldEntryID(id))
	}
	t.undo = append(t.undo, func(ctx context.Context) error {
		if prev != nil {
			return t.vi.Add(ctx, id, prev)
		}
		return t.vi.Remove(ctx, id)
	})
	return nil
}

func (t *vectorTx) remove(ctx context.Context, id string, prev []float32) error {
	if err := t.vi.Remove(ctx, id); err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "removing vector", cmerr.FieldEntryID(id))
	}
	t.undo = append(t.undo, func(ctx context.Context) error {
		return t.vi.Add(ctx, id, prev)
	})
	return nil
}

func (t *vectorTx) rollback(ctx context.Context, log *slog.Logger) {
	for i := len(t.undo) - 1; i >= 0; i-- {
		if err := t.undo[i](ctx); err != nil {
			log.Error("vector rollback failed, index may hold a stale vector", "error", err)
		}
	}
	t.undo = nil
}

// sameVector reports whether a and b are the same stored slice.
func sameVector(a, b []float32) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return len(a) == len(b) && &a[0] == &b[0]
}
