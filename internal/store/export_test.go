// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package store

import (
	"context"

	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/screening"
)

// ApplyVerdict exposes the screening pool's update path to tests.
func (s *Store) ApplyVerdict(ctx context.Context, job screening.Job, verdict entry.Screening) error {
	return s.applyVerdict(ctx, job, verdict)
}
