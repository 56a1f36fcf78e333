// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package screening runs content screening off the write path. Writes
// commit with a pending verdict; a pool of workers scans the content and
// attaches the real verdict afterwards.
package screening

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

var (
	defaultNumWorkers uint = 2
	defaultQueueSize  uint = 256
	defaultTimeout         = 10 * time.Second
)

// Scanner produces a verdict for content.
type Scanner interface {
	Scan(ctx context.Context, content string) (entry.Screening, error)
}

// Updater attaches a verdict to the entry a job was made from. It should
// discard the verdict when the entry's content has changed since.
type Updater interface {
	ApplyVerdict(ctx context.Context, job Job, s entry.Screening) error
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(ctx context.Context, job Job, s entry.Screening) error

func (f UpdaterFunc) ApplyVerdict(ctx context.Context, job Job, s entry.Screening) error {
	return f(ctx, job, s)
}

// Job asks for one entry's content to be screened. Version is the entry
// version the content was read at.
type Job struct {
	ID      string
	Version uint64
	Content string
}

// Config is the configuration for the pool.
type Config struct {
	Scanner Scanner
	Updater Updater

	// NumWorkers is the number of background workers (defaults to 2).
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// Timeout bounds one scan plus its update (defaults to 10s).
	Timeout time.Duration

	Logger *slog.Logger
}

// Pool screens entries asynchronously.
type Pool struct {
	config  Config
	queue   chan Job
	wg      sync.WaitGroup
	logger  *slog.Logger
	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewPool creates a pool and starts its workers.
func NewPool(c Config) (*Pool, error) {
	if c.Scanner == nil || c.Updater == nil {
		return nil, cmerr.New(cmerr.CodeSecurityScannerInputInvalid, "screening pool needs a scanner and an updater")
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.NumWorkers > uint(math.MaxInt) {
		return nil, cmerr.Errorf(cmerr.CodeSecurityScannerInputInvalid, "NumWorkers %d exceeds max int", c.NumWorkers)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	p := &Pool{
		config: c,
		queue:  make(chan Job, c.QueueSize),
		logger: c.Logger,
	}

	p.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go p.worker(i)
	}
	return p, nil
}

// Enqueue submits a job. It returns false when the queue is full or the pool
// is closed; the entry then stays pending until it is screened some other
// way.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.queue <- job:
		p.pending.Add(1)
		p.logger.Debug("screening job queued", "entry_id", job.ID)
		return true
	default:
		p.dropped.Add(1)
		p.logger.Warn("screening queue full, job dropped", "entry_id", job.ID)
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

// Pending is the number of queued or in-flight jobs.
func (p *Pool) Pending() int64 { return p.pending.Load() }

// Dropped counts jobs rejected because the queue was full.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Failed counts jobs whose scan or update returned an error.
func (p *Pool) Failed() int64 { return p.failed.Load() }

func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("screening worker started", "worker_id", id)

	for job := range p.queue {
		p.process(job)
		p.pending.Add(-1)
	}

	p.logger.Debug("screening worker stopped", "worker_id", id)
}

func (p *Pool) process(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
	defer cancel()

	verdict, err := p.config.Scanner.Scan(ctx, job.Content)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("screening failed", "entry_id", job.ID, "error", err)
		return
	}

	if err := p.config.Updater.ApplyVerdict(ctx, job, verdict); err != nil {
		if cmerr.IsNotFound(err) {
			// Deleted or evicted before the scan finished.
			p.logger.Debug("screened entry no longer exists", "entry_id", job.ID)
			return
		}
		p.failed.Add(1)
		p.logger.Error("attaching screening verdict failed", "entry_id", job.ID, "error", err)
		return
	}

	p.logger.Debug("entry screened",
		"entry_id", job.ID,
		"risk_level", verdict.RiskLevel,
		"flags", len(verdict.Flags),
	)
}
