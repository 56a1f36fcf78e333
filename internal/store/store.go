// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package store is the context store façade. It owns the primary entry map
// and every derived index, keeps them consistent under one lock, and
// coordinates the capacity manager, vector index, journal, screening pool and
// consolidation engine around it.
package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tzervas/context-mcp/internal/capacity"
	"github.com/tzervas/context-mcp/internal/consolidate"
	"github.com/tzervas/context-mcp/internal/embedding"
	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/index"
	_ "github.com/tzervas/context-mcp/internal/index/chromem" // default vector backend
	"github.com/tzervas/context-mcp/internal/persist"
	"github.com/tzervas/context-mcp/internal/query"
	"github.com/tzervas/context-mcp/internal/retrieval"
	"github.com/tzervas/context-mcp/internal/screening"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
	"github.com/tzervas/context-mcp/pkg/health"
)

// Defaults for Config fields left zero.
const (
	DefaultCapacity        = 10_000
	DefaultHalfLife        = 7 * 24 * time.Hour
	DefaultAccessFlushSize = 256
	DefaultK               = 5
)

// Config holds the store's tunables.
type Config struct {
	Capacity capacity.Budget
	// HalfLife is the recency decay used by eviction scoring and reported
	// recency weights.
	HalfLife        time.Duration
	MaxContentBytes int

	ScanThreshold int

	SimilarityFloor float64
	MaxResults      int
	// DefaultK is the result count Retrieve uses when called with k == 0.
	DefaultK     int
	EmbedTimeout time.Duration
	// EmbedCooldown is how long a failed embedder is skipped before it is
	// tried again.
	EmbedCooldown time.Duration

	// AccessFlushSize is how many buffered access-time updates trigger a
	// flush on the read path.
	AccessFlushSize int

	Consolidation ConsolidationConfig
	Screening     ScreeningConfig
}

// ConsolidationConfig tunes the consolidation engine.
type ConsolidationConfig struct {
	Rules               consolidate.Rules
	SimilarityThreshold float64
	BatchSize           int
}

// ScreeningConfig sizes the screening pool.
type ScreeningConfig struct {
	Workers   uint
	QueueSize uint
	Timeout   time.Duration
}

// Deps are the store's collaborators. All are optional. The store takes
// ownership of Vectors and Journal and closes them on Close.
type Deps struct {
	// Embedder enables vector retrieval. Without it entries are stored
	// unembedded and Retrieve reports RetrievalUnavailable.
	Embedder embedding.Embedder
	// Vectors defaults to an in-process chromem index sized to the embedder.
	Vectors index.VectorIndex
	// Journal makes the store durable. Open restores from it.
	Journal persist.Journal
	// Scanner screens content after each write.
	Scanner    screening.Scanner
	Summarizer consolidate.Summarizer
	Logger     *slog.Logger
	// Registry receives the store's metrics. Defaults to a fresh registry.
	Registry *prometheus.Registry
	Now      func() time.Time
}

// record is the primary-map value. vec is nil for unembedded entries.
type record struct {
	e    *entry.ContextEntry
	vec  []float32
	cost int64
}

// Store is safe for concurrent use.
type Store struct {
	cfg Config

	mu         sync.RWMutex
	records    map[string]*record
	domains    *index.Inverted
	tags       *index.Inverted
	created    *index.Timeline
	accessed   *index.Timeline
	tierCounts map[entry.Tier]int
	unscreened int
	unembedded int

	touchMu sync.Mutex
	touches map[string]time.Time

	capacity     *capacity.Manager
	query        query.Engine
	retrieval    retrieval.Engine
	embedder     *embedding.Guard
	vectors      index.VectorIndex
	journal      persist.Journal
	pool         *screening.Pool
	consolidator *consolidate.Engine

	registry *prometheus.Registry
	metrics  *metrics
	log      *slog.Logger
	now      func() time.Time
	closing  atomic.Bool
	closed   atomic.Bool
}

// Open builds a store and, when a journal is configured, restores its
// contents. Entries restored without a screening verdict are queued for
// screening again.
func Open(ctx context.Context, cfg Config, deps Deps) (*Store, error) {
	s, err := newStore(cfg, deps)
	if err != nil {
		return nil, err
	}
	if s.journal != nil {
		if err := s.restore(ctx); err != nil {
			_ = s.closeDeps()
			return nil, err
		}
	}
	if deps.Scanner != nil {
		pool, err := screening.NewPool(screening.Config{
			Scanner:    deps.Scanner,
			Updater:    screening.UpdaterFunc(s.applyVerdict),
			NumWorkers: cfg.Screening.Workers,
			QueueSize:  cfg.Screening.QueueSize,
			Timeout:    cfg.Screening.Timeout,
			Logger:     s.log.With("component", "screening"),
		})
		if err != nil {
			_ = s.closeDeps()
			return nil, err
		}
		s.pool = pool
		s.requeueUnscreened()
	}
	return s, nil
}

func newStore(cfg Config, deps Deps) (*Store, error) {
	if cfg.Capacity.Limit == 0 {
		cfg.Capacity.Limit = DefaultCapacity
	}
	if cfg.HalfLife == 0 {
		cfg.HalfLife = DefaultHalfLife
	}
	if cfg.AccessFlushSize <= 0 {
		cfg.AccessFlushSize = DefaultAccessFlushSize
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = DefaultK
	}
	capMgr, err := capacity.New(cfg.Capacity, cfg.HalfLife)
	if err != nil {
		return nil, err
	}
	if cfg.Consolidation.Rules == nil {
		cfg.Consolidation.Rules = consolidate.DefaultRules()
	}
	if err := cfg.Consolidation.Rules.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Store{
		cfg:        cfg,
		records:    make(map[string]*record),
		domains:    index.NewInverted(),
		tags:       index.NewInverted(),
		created:    index.NewTimeline(),
		accessed:   index.NewTimeline(),
		tierCounts: make(map[entry.Tier]int, len(entry.Tiers)),
		touches:    make(map[string]time.Time),
		capacity:   capMgr,
		query:      query.Engine{ScanThreshold: cfg.ScanThreshold, HalfLife: cfg.HalfLife},
		vectors:    deps.Vectors,
		journal:    deps.Journal,
		registry:   reg,
		metrics:    newMetrics(reg),
		log:        logger,
		now:        now,
	}

	if deps.Embedder != nil {
		cooldown := cfg.EmbedCooldown
		if cooldown <= 0 {
			cooldown = embedding.DefaultHealthCooldown
		}
		tracker, err := embedding.NewHealthTracker(deps.Embedder.Name(), cooldown)
		if err != nil {
			return nil, err
		}
		tracker.SetNowFunc(now)
		guard, err := embedding.NewGuard(deps.Embedder, cfg.EmbedTimeout, tracker)
		if err != nil {
			return nil, err
		}
		s.embedder = guard
		if s.vectors == nil {
			vi, err := index.OpenVector(index.VectorConfig{Dimensions: guard.Dimensions()})
			if err != nil {
				return nil, err
			}
			s.vectors = vi
		}
		s.retrieval = retrieval.Engine{
			Embedder:   guard,
			Floor:      cfg.SimilarityFloor,
			MaxResults: cfg.MaxResults,
		}
	}

	s.consolidator = &consolidate.Engine{
		Rules:               cfg.Consolidation.Rules,
		Summarizer:          deps.Summarizer,
		SimilarityThreshold: cfg.Consolidation.SimilarityThreshold,
		BatchSize:           cfg.Consolidation.BatchSize,
		Logger:              logger.With("component", "consolidation"),
		Now:                 now,
	}

	s.observeLocked()
	return s, nil
}

func (s *Store) restore(ctx context.Context) error {
	st, err := s.journal.Restore(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var used int64
	dims := 0
	if s.embedder != nil {
		dims = s.embedder.Dimensions()
	}
	for _, snap := range st.Entries {
		e := snap.Entry
		vec := snap.Vector
		if vec != nil && (s.vectors == nil || len(vec) != dims) {
			// Embedder changed since the vector was stored; Reindex refills it.
			vec = nil
		}
		if vec != nil {
			if err := s.vectors.Add(ctx, e.ID, vec); err != nil {
				return cmerr.Wrap(err, cmerr.CodeStoreRestoreFailure, "restoring vector", cmerr.FieldEntryID(e.ID))
			}
		}
		r := &record{e: e, vec: vec, cost: s.capacity.Cost(e.Size())}
		s.insertLocked(r)
		used += r.cost
	}
	s.capacity.Reset(used, st.Evictions)
	s.observeLocked()

	s.log.Info("store restored from journal",
		"entries", len(st.Entries),
		"evictions", st.Evictions,
		"unembedded", s.unembedded,
	)
	return nil
}

func (s *Store) requeueUnscreened() {
	s.mu.RLock()
	var jobs []screening.Job
	for id, r := range s.records {
		if r.e.Screening == nil {
			jobs = append(jobs, screening.Job{ID: id, Version: r.e.Version, Content: r.e.Content})
		}
	}
	s.mu.RUnlock()
	for _, j := range jobs {
		s.pool.Enqueue(j)
	}
}

// Close drains the screening pool, flushes buffered accesses and closes the
// journal and vector index. Further calls fail with a closed error.
func (s *Store) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}
	// Queued screening jobs still write back, so the store stays open
	// until the pool drains.
	if s.pool != nil {
		s.pool.Close()
	}
	flushErr := s.FlushAccesses(context.Background())
	s.closed.Store(true)

	var errs []error
	if flushErr != nil {
		errs = append(errs, flushErr)
	}
	if s.journal != nil {
		if err := s.journal.Flush(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.closeDeps(); err != nil {
		errs = append(errs, err)
	}
	return cmerr.Join(errs...)
}

func (s *Store) closeDeps() error {
	var errs []error
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.vectors != nil {
		if err := s.vectors.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return cmerr.Join(errs...)
}

// Registry exposes the store's metrics for scraping.
func (s *Store) Registry() *prometheus.Registry { return s.registry }

// EmbedderHealth reports the embedding backend's health. ok is false when
// no embedder is configured.
func (s *Store) EmbedderHealth() (m health.Metrics, ok bool) {
	if s.embedder == nil {
		return health.Metrics{}, false
	}
	return s.embedder.Health(), true
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return cmerr.New(cmerr.CodeStoreClosed, "store is closed")
	}
	return nil
}

func (s *Store) limits() entry.Limits {
	return entry.Limits{MaxContentBytes: s.cfg.MaxContentBytes}
}

// newIDLocked returns an id not present in the primary map.
func (s *Store) newIDLocked() string {
	for {
		id := uuid.NewString()
		if _, taken := s.records[id]; !taken {
			return id
		}
	}
}

// insertLocked adds r to the primary map and every index.
func (s *Store) insertLocked(r *record) {
	e := r.e
	s.records[e.ID] = r
	s.domains.Add(e.Domain, e.ID)
	for _, t := range e.Tags {
		s.tags.Add(t, e.ID)
	}
	s.created.Insert(e.Temporal.CreatedAt, e.ID)
	s.accessed.Insert(e.Temporal.LastAccessed, e.ID)
	s.tierCounts[e.Tier]++
	if e.Screening == nil {
		s.unscreened++
	}
	if r.vec == nil {
		s.unembedded++
	}
}

// removeLocked drops id from the primary map and every index, returning the
// removed record.
func (s *Store) removeLocked(id string) *record {
	r, ok := s.records[id]
	if !ok {
		return nil
	}
	e := r.e
	delete(s.records, id)
	s.domains.Remove(e.Domain, id)
	for _, t := range e.Tags {
		s.tags.Remove(t, id)
	}
	s.created.Remove(e.Temporal.CreatedAt, id)
	s.accessed.Remove(e.Temporal.LastAccessed, id)
	s.tierCounts[e.Tier]--
	if e.Screening == nil {
		s.unscreened--
	}
	if r.vec == nil {
		s.unembedded--
	}
	return r
}

// replaceLocked swaps the record for r.e.ID, keeping every index and the
// capacity counter in step.
func (s *Store) replaceLocked(r *record) {
	if old := s.removeLocked(r.e.ID); old != nil {
		s.capacity.Release(old.cost)
	}
	s.insertLocked(r)
	s.capacity.Charge(r.cost)
}

// embed returns nil when no embedder is configured or embedding failed; the
// write proceeds and the entry is left for Reindex.
func (s *Store) embed(ctx context.Context, text string) []float32 {
	if s.embedder == nil {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.metrics.embedFailures.Inc()
		s.log.Warn("embedding failed, storing entry without a vector", "error", err)
		return nil
	}
	return vec
}
