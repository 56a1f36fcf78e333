// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package persist defines the durability contract of the context store.
// Every committed mutation is appended to a journal before it becomes
// visible in memory; on start the store rebuilds itself from Restore.
package persist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Op names the kind of mutation a record describes.
type Op string

const (
	OpPut     Op = "put"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpCleanup Op = "cleanup"
	OpPromote Op = "promote"
	OpMerge   Op = "merge"
	OpReset   Op = "reset_tier"
	OpReindex Op = "reindex"
	// OpTouch carries access-time bookkeeping. Backends apply it to the
	// current state but need not keep it in the history.
	OpTouch Op = "touch"
)

// Snapshot is the full state of one entry after a mutation. A nil Vector
// leaves any previously stored vector in place; an empty one clears it.
type Snapshot struct {
	Entry  *entry.ContextEntry
	Vector []float32
}

// Record is one atomic mutation: upserts and removals are applied together.
// Evicted holds the subset of Removed that capacity pressure displaced.
type Record struct {
	Op      Op
	Upserts []Snapshot
	Removed []string
	Evicted int
	At      time.Time
}

// Journal is implemented by durability backends.
type Journal interface {
	// Append durably records rec. When it fails the caller must not apply
	// the mutation.
	Append(ctx context.Context, rec Record) error
	// Flush forces buffered state to stable storage.
	Flush(ctx context.Context) error
	// Restore returns the current state: every live entry with its vector.
	Restore(ctx context.Context) (State, error)
	// Replay streams the mutation history in commit order.
	Replay(ctx context.Context, fn func(Record) error) error
	Close() error
}

// State is what Restore rebuilds.
type State struct {
	Entries   []Snapshot
	Evictions int64
}

// Config selects a backend.
type Config struct {
	Backend string
	Path    string
}

// Factory opens a backend.
type Factory func(cfg Config) (Journal, error)

// DefaultBackend is used when Config.Backend is empty.
const DefaultBackend = "sqlite"

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a named journal backend. Backend packages call
// this from init().
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Backends lists registered backend names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open opens the backend named in cfg.
func Open(cfg Config) (Journal, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = DefaultBackend
	}

	factoriesMu.RLock()
	f, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, cmerr.New(cmerr.CodeStoreBackendUnsupported, "unsupported journal backend", cmerr.FieldBackend(backend))
	}
	return f(cfg)
}
