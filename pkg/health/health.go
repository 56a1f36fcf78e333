// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package health

import "time"

// Metrics is a point-in-time view of a remote dependency (embedding or
// summarization backend) suitable for JSON output on the health endpoint.
type Metrics struct {
	Name          string     `json:"name"`
	FailureCount  int64      `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Available     bool       `json:"available"`
}
