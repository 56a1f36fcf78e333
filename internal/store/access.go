// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package store

import (
	"context"
	"time"

	"github.com/tzervas/context-mcp/internal/persist"
)

// Reads never take the write lock. Access times are buffered here and folded
// into the primary map by the next write, query or retrieval, or once the
// buffer reaches AccessFlushSize. Lock order is mu then touchMu.

func (s *Store) touch(ctx context.Context, at time.Time, ids ...string) {
	s.touchMu.Lock()
	for _, id := range ids {
		if prev, ok := s.touches[id]; !ok || at.After(prev) {
			s.touches[id] = at
		}
	}
	n := len(s.touches)
	s.touchMu.Unlock()

	if n >= s.cfg.AccessFlushSize {
		if err := s.FlushAccesses(ctx); err != nil {
			s.log.Warn("flushing access times", "error", err)
		}
	}
}

func (s *Store) pendingTouches() int {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()
	return len(s.touches)
}

// FlushAccesses applies buffered access times to the stored entries. Access
// bookkeeping does not change an entry's version.
func (s *Store) FlushAccesses(ctx context.Context) error {
	if s.pendingTouches() == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyTouchesLocked(ctx)
}

// flushTouchesLocked is the write-path variant: a journal failure here is
// logged and the write proceeds.
func (s *Store) flushTouchesLocked(ctx context.Context) {
	if err := s.applyTouchesLocked(ctx); err != nil {
		s.log.Warn("flushing access times", "error", err)
	}
}

func (s *Store) applyTouchesLocked(ctx context.Context) error {
	s.touchMu.Lock()
	batch := s.touches
	if len(batch) == 0 {
		s.touchMu.Unlock()
		return nil
	}
	s.touches = make(map[string]time.Time, len(batch))
	s.touchMu.Unlock()

	var snaps []persist.Snapshot
	for id, at := range batch {
		r, ok := s.records[id]
		if !ok || !at.After(r.e.Temporal.LastAccessed) {
			continue
		}
		s.accessed.Move(r.e.Temporal.LastAccessed, at, id)
		r.e.Temporal.LastAccessed = at
		snaps = append(snaps, persist.Snapshot{Entry: r.e})
	}
	if s.journal == nil || len(snaps) == 0 {
		return nil
	}
	return s.journal.Append(ctx, persist.Record{Op: persist.OpTouch, Upserts: snaps, At: s.now()})
}
