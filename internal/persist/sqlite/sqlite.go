// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package sqlite is the SQLite journal backend. It keeps two tables: the
// current state of every live entry, and an append-only history of the
// mutations that produced it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/persist"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

func init() {
	persist.RegisterBackend("sqlite", func(cfg persist.Config) (persist.Journal, error) {
		path := cfg.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "contexts.db")
		}
		return New(path)
	})
}

// Compile-time interface check.
var _ persist.Journal = (*Journal)(nil)

type Journal struct {
	db *sql.DB
}

// New opens (or creates) the journal database at dbPath.
func New(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, cmerr.Errorf(cmerr.CodeStoreDatabaseFailure, "opening sqlite db: %w", err)
	}
	// One writer: the store already serializes mutations.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, cmerr.Errorf(cmerr.CodeStoreDatabaseFailure, "pinging sqlite db: %w", err)
	}
	if err := migrateJournal(db); err != nil {
		_ = db.Close()
		return nil, cmerr.Errorf(cmerr.CodeStoreDatabaseFailure, "migrating journal tables: %w", err)
	}
	return &Journal{db: db}, nil
}

func migrateJournal(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS entries (
	id         TEXT PRIMARY KEY,
	tier       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	vector     BLOB,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS journal (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	op          TEXT NOT NULL,
	payload     TEXT NOT NULL,
	removed_ids TEXT NOT NULL,
	evicted     INTEGER NOT NULL DEFAULT 0,
	at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_tier ON entries(tier);
`
	_, err := db.Exec(ddl)
	return err
}

// Append writes the record's history row and applies it to the entries
// table in one transaction.
func (j *Journal) Append(ctx context.Context, rec persist.Record) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return cmerr.Errorf(cmerr.CodeStoreJournalFailure, "beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := formatTime(rec.At)

	for _, s := range rec.Upserts {
		if err := upsertEntry(ctx, tx, s, at); err != nil {
			return cmerr.Wrap(err, cmerr.CodeStoreJournalFailure, "upserting entry", cmerr.FieldEntryID(s.Entry.ID))
		}
	}
	for _, id := range rec.Removed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
			return cmerr.Wrap(err, cmerr.CodeStoreJournalFailure, "removing entry", cmerr.FieldEntryID(id))
		}
	}

	if rec.Op != persist.OpTouch {
		if err := insertHistory(ctx, tx, rec, at); err != nil {
			return cmerr.Wrap(err, cmerr.CodeStoreJournalFailure, "appending history")
		}
	}

	if err := tx.Commit(); err != nil {
		return cmerr.Errorf(cmerr.CodeStoreJournalFailure, "committing journal record: %w", err)
	}
	return nil
}

func upsertEntry(ctx context.Context, tx *sql.Tx, s persist.Snapshot, at string) error {
	payload, err := json.Marshal(s.Entry)
	if err != nil {
		return err
	}
	var vec []byte
	if s.Vector != nil {
		if vec, err = encodeVector(s.Vector); err != nil {
			return err
		}
	}

	// A NULL vector keeps the stored one; an empty blob clears it.
	const q = `INSERT INTO entries (id, tier, payload, vector, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	tier = excluded.tier,
	payload = excluded.payload,
	vector = COALESCE(excluded.vector, entries.vector),
	updated_at = excluded.updated_at`

	_, err = tx.ExecContext(ctx, q, s.Entry.ID, string(s.Entry.Tier), string(payload), vec, at)
	return err
}

func insertHistory(ctx context.Context, tx *sql.Tx, rec persist.Record, at string) error {
	entries := make([]*entry.ContextEntry, len(rec.Upserts))
	for i, s := range rec.Upserts {
		entries[i] = s.Entry
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	removed := rec.Removed
	if removed == nil {
		removed = []string{}
	}
	removedJSON, err := json.Marshal(removed)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO journal (op, payload, removed_ids, evicted, at) VALUES (?, ?, ?, ?, ?)`,
		string(rec.Op), string(payload), string(removedJSON), rec.Evicted, at)
	return err
}

// Flush checkpoints the WAL into the main database file.
func (j *Journal) Flush(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return cmerr.Errorf(cmerr.CodeStoreDatabaseFailure, "checkpointing wal: %w", err)
	}
	return nil
}

func (j *Journal) Restore(ctx context.Context) (persist.State, error) {
	var st persist.State

	rows, err := j.db.QueryContext(ctx, `SELECT payload, vector FROM entries ORDER BY id`)
	if err != nil {
		return st, cmerr.Errorf(cmerr.CodeStoreRestoreFailure, "querying entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			payload string
			vec     []byte
		)
		if err := rows.Scan(&payload, &vec); err != nil {
			return st, cmerr.Errorf(cmerr.CodeStoreRestoreFailure, "scanning entry: %w", err)
		}
		var e entry.ContextEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return st, cmerr.Errorf(cmerr.CodeStoreRestoreFailure, "decoding entry: %w", err)
		}
		snap := persist.Snapshot{Entry: &e}
		if len(vec) > 0 {
			snap.Vector = decodeVector(vec)
		}
		st.Entries = append(st.Entries, snap)
	}
	if err := rows.Err(); err != nil {
		return st, cmerr.Errorf(cmerr.CodeStoreRestoreFailure, "iterating entries: %w", err)
	}

	if err := j.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(evicted), 0) FROM journal`).Scan(&st.Evictions); err != nil {
		return st, cmerr.Errorf(cmerr.CodeStoreRestoreFailure, "summing evictions: %w", err)
	}
	return st, nil
}

func (j *Journal) Replay(ctx context.Context, fn func(persist.Record) error) error {
	rows, err := j.db.QueryContext(ctx, `SELECT op, payload, removed_ids, evicted, at FROM journal ORDER BY seq`)
	if err != nil {
		return cmerr.Errorf(cmerr.CodeStoreDatabaseFailure, "querying journal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			op, payload, removed, at string
			rec                      persist.Record
		)
		if err := rows.Scan(&op, &payload, &removed, &rec.Evicted, &at); err != nil {
			return cmerr.Errorf(cmerr.CodeStoreDatabaseFailure, "scanning journal row: %w", err)
		}
		var entries []*entry.ContextEntry
		if err := json.Unmarshal([]byte(payload), &entries); err != nil {
			return cmerr.Errorf(cmerr.CodeStoreDatabaseFailure, "decoding journal payload: %w", err)
		}
		if err := json.Unmarshal([]byte(removed), &rec.Removed); err != nil {
			return cmerr.Errorf(cmerr.CodeStoreDatabaseFailure, "decoding removed ids: %w", err)
		}
		rec.Op = persist.Op(op)
		rec.At = parseTime(at)
		for _, e := range entries {
			rec.Upserts = append(rec.Upserts, persist.Snapshot{Entry: e})
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// encodeVector writes the blob layout sqlite-vec reads. An empty vector
// encodes as an empty blob, never NULL, so it still clears the stored one.
func encodeVector(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return []byte{}, nil
	}
	return sqlite_vec.SerializeFloat32(v)
}

// decodeVector reads the little-endian float32 layout encodeVector writes.

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
