// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/persist"
	"github.com/tzervas/context-mcp/internal/persist/sqlite"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func testDBPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".db")
}

func snap(id string, vec []float32) persist.Snapshot {
	e := entry.New(id, entry.Draft{Content: "content " + id, Domain: "d", Tags: []string{"x"}, Importance: 0.4}, t0)
	return persist.Snapshot{Entry: e, Vector: vec}
}

func TestJournal_AppendRestore(t *testing.T) {
	ctx := context.Background()
	j, err := sqlite.New(testDBPath(t, "journal"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	a := snap("a", []float32{0.5, -1})
	b := snap("b", nil)
	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpPut, Upserts: []persist.Snapshot{a}, At: t0}))
	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpPut, Upserts: []persist.Snapshot{b}, At: t0}))

	st, err := j.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, st.Entries, 2)
	assert.Equal(t, a.Entry, st.Entries[0].Entry)
	assert.Equal(t, []float32{0.5, -1}, st.Entries[0].Vector)
	assert.Nil(t, st.Entries[1].Vector)
}

func TestJournal_NilVectorKeepsStoredVector(t *testing.T) {
	ctx := context.Background()
	j, err := sqlite.New(testDBPath(t, "keepvec"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	a := snap("a", []float32{1, 2})
	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpPut, Upserts: []persist.Snapshot{a}, At: t0}))

	updated := a.Entry.Clone()
	updated.Importance = 0.9
	updated.Version++
	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpUpdate, Upserts: []persist.Snapshot{{Entry: updated}}, At: t0}))

	st, err := j.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, st.Entries, 1)
	assert.Equal(t, 0.9, st.Entries[0].Entry.Importance)
	assert.Equal(t, []float32{1, 2}, st.Entries[0].Vector)
}

func TestJournal_EmptyVectorClearsStoredVector(t *testing.T) {
	ctx := context.Background()
	j, err := sqlite.New(testDBPath(t, "clearvec"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	a := snap("a", []float32{0.25, -3.5, 1e-7})
	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpPut, Upserts: []persist.Snapshot{a}, At: t0}))
	st, err := j.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, st.Entries, 1)
	assert.Equal(t, []float32{0.25, -3.5, 1e-7}, st.Entries[0].Vector)

	cleared := snap("a", []float32{})
	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpReindex, Upserts: []persist.Snapshot{cleared}, At: t0}))
	st, err = j.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, st.Entries, 1)
	assert.Nil(t, st.Entries[0].Vector)
}

func TestJournal_RemovalsAndEvictionCount(t *testing.T) {
	ctx := context.Background()
	j, err := sqlite.New(testDBPath(t, "evict"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpPut, Upserts: []persist.Snapshot{snap("a", nil), snap("b", nil)}, At: t0}))
	require.NoError(t, j.Append(ctx, persist.Record{
		Op: persist.OpPut, Upserts: []persist.Snapshot{snap("c", nil)}, Removed: []string{"a"}, Evicted: 1, At: t0,
	}))
	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpDelete, Removed: []string{"b", "never-existed"}, At: t0}))

	st, err := j.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, st.Entries, 1)
	assert.Equal(t, "c", st.Entries[0].Entry.ID)
	assert.Equal(t, int64(1), st.Evictions)
}

func TestJournal_ReplayHistorySkipsTouches(t *testing.T) {
	ctx := context.Background()
	j, err := sqlite.New(testDBPath(t, "replay"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	a := snap("a", nil)
	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpPut, Upserts: []persist.Snapshot{a}, At: t0}))

	touched := a.Entry.Clone()
	touched.Temporal.LastAccessed = t0.Add(time.Hour)
	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpTouch, Upserts: []persist.Snapshot{{Entry: touched}}, At: t0.Add(time.Hour)}))

	merged := entry.New("m", entry.Draft{Content: "summary"}, t0)
	merged.Tier = entry.TierSession
	require.NoError(t, j.Append(ctx, persist.Record{
		Op: persist.OpMerge, Upserts: []persist.Snapshot{{Entry: merged}}, Removed: []string{"a"}, At: t0.Add(2 * time.Hour),
	}))

	var ops []persist.Op
	var last persist.Record
	require.NoError(t, j.Replay(ctx, func(r persist.Record) error {
		ops = append(ops, r.Op)
		last = r
		return nil
	}))
	assert.Equal(t, []persist.Op{persist.OpPut, persist.OpMerge}, ops)
	assert.Equal(t, []string{"a"}, last.Removed)
	assert.Equal(t, t0.Add(2*time.Hour), last.At)
	require.Len(t, last.Upserts, 1)
	assert.Equal(t, entry.TierSession, last.Upserts[0].Entry.Tier)
}

func TestJournal_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := persist.Open(persist.Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, persist.Record{Op: persist.OpPut, Upserts: []persist.Snapshot{snap("a", []float32{1})}, At: t0}))
	require.NoError(t, j.Flush(ctx))
	require.NoError(t, j.Close())

	j2, err := sqlite.New(filepath.Join(dir, "contexts.db"))
	require.NoError(t, err)
	defer func() { _ = j2.Close() }()
	st, err := j2.Restore(ctx)
	require.NoError(t, err)
	assert.Len(t, st.Entries, 1)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := persist.Open(persist.Config{Backend: "tape"})
	assert.Error(t, err)
	assert.Contains(t, persist.Backends(), "sqlite")
}
