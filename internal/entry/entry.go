// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package entry defines the unit of knowledge held by the context store and
// the rules every entry must satisfy.
package entry

import (
	"math"
	"slices"
	"time"
)

// RiskLevel is the severity a screener assigned to an entry's content.
type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = []RiskLevel{RiskNone, RiskLow, RiskMedium, RiskHigh, RiskCritical}

// Severity orders risk levels; unknown levels sort below RiskNone.
func (r RiskLevel) Severity() int {
	return slices.Index(riskOrder, r)
}

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	return r.Severity() >= 0
}

// Screening is the verdict of the external screening collaborator.
// A nil *Screening on an entry means it has not been screened yet.
type Screening struct {
	RiskLevel  RiskLevel `json:"risk_level"`
	Flags      []string  `json:"flags,omitempty"`
	Confidence float64   `json:"confidence"`
	ScreenedAt time.Time `json:"screened_at"`
}

// Temporal holds an entry's timestamps. RecencyWeight is derived at read
// time from LastAccessed and is never persisted.
type Temporal struct {
	CreatedAt     time.Time  `json:"created_at"`
	LastAccessed  time.Time  `json:"last_accessed"`
	ValidFrom     *time.Time `json:"valid_from,omitempty"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	RecencyWeight float64    `json:"recency_weight,omitempty"`
}

// Expired reports whether the validity window closed at or before now.
func (t Temporal) Expired(now time.Time) bool {
	return t.ValidUntil != nil && !t.ValidUntil.After(now)
}

// ProvenanceRecord documents one consolidation step an entry went through.
type ProvenanceRecord struct {
	Action    string    `json:"action"`
	SourceIDs []string  `json:"source_ids"`
	FromTier  Tier      `json:"from_tier"`
	ToTier    Tier      `json:"to_tier"`
	At        time.Time `json:"at"`
}

// ContextEntry is a single stored unit of knowledge.
type ContextEntry struct {
	ID         string             `json:"id"`
	Content    string             `json:"content"`
	Domain     string             `json:"domain"`
	Tags       []string           `json:"tags,omitempty"`
	Importance float64            `json:"importance"`
	Source     string             `json:"source,omitempty"`
	Temporal   Temporal           `json:"temporal"`
	Tier       Tier               `json:"tier"`
	Screening  *Screening         `json:"screening,omitempty"`
	Evictable  bool               `json:"evictable,omitempty"`
	Provenance []ProvenanceRecord `json:"provenance,omitempty"`
	Version    uint64             `json:"version"`
}

// Clone returns a deep copy. The store hands out clones only, so callers
// can never alias stored state.
func (e *ContextEntry) Clone() *ContextEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.Tags = slices.Clone(e.Tags)
	out.Temporal.ValidFrom = cloneTime(e.Temporal.ValidFrom)
	out.Temporal.ValidUntil = cloneTime(e.Temporal.ValidUntil)
	if e.Screening != nil {
		s := *e.Screening
		s.Flags = slices.Clone(e.Screening.Flags)
		out.Screening = &s
	}
	if e.Provenance != nil {
		out.Provenance = make([]ProvenanceRecord, len(e.Provenance))
		for i, p := range e.Provenance {
			p.SourceIDs = slices.Clone(p.SourceIDs)
			out.Provenance[i] = p
		}
	}
	return &out
}

// Size is the byte cost of the entry under a byte-mode capacity budget.
func (e *ContextEntry) Size() int64 {
	n := len(e.Content) + len(e.Domain) + len(e.Source)
	for _, t := range e.Tags {
		n += len(t)
	}
	return int64(n)
}

// Score is the eviction score: importance weighted by recency.
func (e *ContextEntry) Score(now time.Time, halfLife time.Duration) float64 {
	return e.Importance * RecencyWeight(e.Temporal.LastAccessed, now, halfLife)
}

// HasTags reports whether every tag in want is present on the entry.
func (e *ContextEntry) HasTags(want []string) bool {
	for _, t := range want {
		if _, found := slices.BinarySearch(e.Tags, t); !found {
			return false
		}
	}
	return true
}

// RecencyWeight decays from 1 toward 0 with the given half-life, measured
// from the last access. A non-positive half-life disables decay.
func RecencyWeight(lastAccessed, now time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	age := now.Sub(lastAccessed)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

// NormalizeTags returns the tag set deduplicated and sorted.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := slices.Clone(tags)
	slices.Sort(out)
	return slices.Compact(out)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
