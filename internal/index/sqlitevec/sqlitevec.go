// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package sqlitevec provides a durable vector index on SQLite with the
// sqlite-vec extension.
package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tzervas/context-mcp/internal/index"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

func init() {
	sqlite_vec.Auto()
	index.RegisterVectorBackend("sqlite-vec", func(cfg index.VectorConfig) (index.VectorIndex, error) {
		return New(cfg.Path, cfg.Dimensions)
	})
}

// maxK is the largest k vec0 accepts in a KNN query.
const maxK = 4096

// Compile-time interface check.
var _ index.VectorIndex = (*Index)(nil)

// Index stores unit-length vectors in a vec0 virtual table. vec0 ranks by
// L2 distance; on unit vectors that converts exactly to cosine similarity
// as 1 - d²/2.
type Index struct {
	db         *sql.DB
	dimensions int
}

// New opens (or creates) the database at dbPath.
func New(dbPath string, dimensions int) (*Index, error) {
	if dbPath == "" {
		return nil, cmerr.New(cmerr.CodeConfigValidateInvalidValue, "sqlite-vec backend requires a path")
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeStoreDatabaseFailure, "opening vector db")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, cmerr.Wrap(err, cmerr.CodeStoreDatabaseFailure, "pinging vector db")
	}
	if err := migrate(db, dimensions); err != nil {
		_ = db.Close()
		return nil, cmerr.Wrap(err, cmerr.CodeStoreDatabaseFailure, "migrating vector tables")
	}
	return &Index{db: db, dimensions: dimensions}, nil
}

func migrate(db *sql.DB, dimensions int) error {
	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS context_vectors USING vec0(id TEXT PRIMARY KEY, embedding float[%d])`,
		dimensions,
	)
	if _, err := db.Exec(vecDDL); err != nil {
		return fmt.Errorf("creating context_vectors virtual table: %w", err)
	}

	// Companion table so counting does not need a vec0 full scan.
	const idsDDL = `CREATE TABLE IF NOT EXISTS context_vector_ids (id TEXT PRIMARY KEY)`
	if _, err := db.Exec(idsDDL); err != nil {
		return fmt.Errorf("creating context_vector_ids table: %w", err)
	}
	return nil
}

func (x *Index) Add(ctx context.Context, id string, vec []float32) error {
	if err := index.CheckDimensions(vec, x.dimensions); err != nil {
		return err
	}
	blob, err := sqlite_vec.SerializeFloat32(index.Normalize(slices.Clone(vec)))
	if err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "serializing embedding", cmerr.FieldEntryID(id))
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreDatabaseFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	// vec0 does not support ON CONFLICT; delete first for upsert.
	if _, err := tx.ExecContext(ctx, `DELETE FROM context_vectors WHERE id = ?`, id); err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "replacing vector", cmerr.FieldEntryID(id))
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO context_vectors(id, embedding) VALUES (?, ?)`, id, blob); err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "inserting vector", cmerr.FieldEntryID(id))
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO context_vector_ids(id) VALUES (?)`, id); err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "recording vector id", cmerr.FieldEntryID(id))
	}

	if err := tx.Commit(); err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreDatabaseFailure, "committing vector insert")
	}
	return nil
}

func (x *Index) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreDatabaseFailure, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM context_vectors WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "deleting vectors")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM context_vector_ids WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "deleting vector ids")
	}

	if err := tx.Commit(); err != nil {
		return cmerr.Wrap(err, cmerr.CodeStoreDatabaseFailure, "committing vector delete")
	}
	return nil
}

func (x *Index) Search(ctx context.Context, query []float32, n int) ([]index.VectorHit, error) {
	if err := index.CheckDimensions(query, x.dimensions); err != nil {
		return nil, err
	}
	n = min(n, maxK)
	if n <= 0 {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(index.Normalize(slices.Clone(query)))
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "serializing query vector")
	}

	const q = `SELECT id, distance FROM context_vectors
WHERE embedding MATCH ? AND k = ?
ORDER BY distance`

	rows, err := x.db.QueryContext(ctx, q, blob, n)
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "searching vectors")
	}
	defer func() { _ = rows.Close() }()

	var hits []index.VectorHit
	for rows.Next() {
		var (
			id       string
			distance float64
		)
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "scanning vector result")
		}
		hits = append(hits, index.VectorHit{ID: id, Similarity: 1 - distance*distance/2})
	}
	if err := rows.Err(); err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeStoreVectorFailure, "iterating vector results")
	}
	return hits, nil
}

func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM context_vector_ids`).Scan(&n); err != nil {
		return 0, cmerr.Wrap(err, cmerr.CodeStoreDatabaseFailure, "counting vectors")
	}
	return n, nil
}

// Close closes the underlying database connection.
func (x *Index) Close() error {
	return x.db.Close()
}
