// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package consolidate

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Task is a unit of periodic maintenance.
type Task func(ctx context.Context) error

// Scheduler runs maintenance tasks on fixed intervals. A task never overlaps
// itself: a run that is still going when the next tick arrives pushes that
// tick back.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	timeout   time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler creates a stopped scheduler. timeout bounds each task run;
// zero leaves runs unbounded.
func NewScheduler(logger *slog.Logger, timeout time.Duration) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, cmerr.Wrap(err, cmerr.CodeConsolidationScheduleFailure, "creating scheduler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{scheduler: s, logger: logger, timeout: timeout, ctx: ctx, cancel: cancel}, nil
}

// Every registers task to run each interval.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return cmerr.Errorf(cmerr.CodeConsolidationScheduleFailure, "job %s: interval must be positive, got %s", name, interval)
	}
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.run(name, task) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return cmerr.Wrap(err, cmerr.CodeConsolidationScheduleFailure, "registering job", cmerr.Field("job", name))
	}
	s.logger.Info("scheduled maintenance job", "job", name, "interval", interval)
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := task(ctx); err != nil {
		s.logger.Error("maintenance job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("maintenance job finished", "job", name, "duration", time.Since(start))
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return cmerr.Wrap(err, cmerr.CodeConsolidationScheduleFailure, "stopping scheduler")
	}
	return nil
}
