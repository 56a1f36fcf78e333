// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package query evaluates structured predicates over the store's indices.
package query

import (
	"cmp"
	"iter"
	"math"
	"slices"
	"time"

	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/index"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// TimeField picks which timestamp a time range applies to.
type TimeField string

const (
	FieldCreatedAt    TimeField = "created_at"
	FieldLastAccessed TimeField = "last_accessed"
)

// TimeRange bounds a timestamp. Zero From or To leaves that side open.
type TimeRange struct {
	Field TimeField `json:"field"`
	From  time.Time `json:"from,omitzero"`
	To    time.Time `json:"to,omitzero"`
}

// Predicate is a conjunction of filters. Zero-valued fields do not filter.
type Predicate struct {
	Domain        string     `json:"domain,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	MinImportance float64    `json:"min_importance,omitempty"`
	Time          *TimeRange `json:"time,omitempty"`
	Tier          entry.Tier `json:"tier,omitempty"`
	// ExcludeExpired drops entries whose validity window has closed.
	ExcludeExpired bool `json:"exclude_expired,omitempty"`
	// Limit caps the result size; zero means no cap.
	Limit int `json:"limit,omitempty"`
}

// Validate rejects predicates that can never be evaluated.
func (p Predicate) Validate() error {
	if math.IsNaN(p.MinImportance) || p.MinImportance < 0 || p.MinImportance > 1 {
		return cmerr.Errorf(cmerr.CodeStoreQueryInvalid, "min_importance %v outside [0,1]", p.MinImportance)
	}
	if p.Limit < 0 {
		return cmerr.Errorf(cmerr.CodeStoreQueryInvalid, "limit must not be negative, got %d", p.Limit)
	}
	if p.Tier != "" && !p.Tier.Valid() {
		return cmerr.Errorf(cmerr.CodeStoreQueryInvalid, "unknown tier %q", p.Tier)
	}
	if p.Time != nil {
		switch p.Time.Field {
		case FieldCreatedAt, FieldLastAccessed:
		default:
			return cmerr.Errorf(cmerr.CodeStoreQueryInvalid, "unknown time field %q", p.Time.Field)
		}
		if !p.Time.From.IsZero() && !p.Time.To.IsZero() && p.Time.To.Before(p.Time.From) {
			return cmerr.New(cmerr.CodeStoreQueryInvalid, "time range ends before it starts")
		}
	}
	return nil
}

// Matches reports whether e satisfies every filter in p.
func (p Predicate) Matches(e *entry.ContextEntry, now time.Time) bool {
	if p.Domain != "" && e.Domain != p.Domain {
		return false
	}
	if e.Importance < p.MinImportance {
		return false
	}
	if p.Tier != "" && e.Tier != p.Tier {
		return false
	}
	if p.ExcludeExpired && e.Temporal.Expired(now) {
		return false
	}
	if p.Time != nil {
		at := e.Temporal.CreatedAt
		if p.Time.Field == FieldLastAccessed {
			at = e.Temporal.LastAccessed
		}
		if !p.Time.From.IsZero() && at.Before(p.Time.From) {
			return false
		}
		if !p.Time.To.IsZero() && at.After(p.Time.To) {
			return false
		}
	}
	return e.HasTags(entry.NormalizeTags(p.Tags))
}

// Catalog is the read view of the store a query runs against. The store
// implements it and holds its read lock for the whole evaluation.
type Catalog interface {
	Lookup(id string) (*entry.ContextEntry, bool)
	Entries() iter.Seq[*entry.ContextEntry]
	Len() int
	Domains() *index.Inverted
	Tags() *index.Inverted
	Timeline(field TimeField) *index.Timeline
}

// Plan describes how a query was evaluated.
type Plan struct {
	Indexes  []string
	FullScan bool
	Scanned  int
}

// DefaultScanThreshold is used when Engine.ScanThreshold is zero.
const DefaultScanThreshold = 512

// Engine evaluates predicates.
type Engine struct {
	// ScanThreshold is the largest candidate set an index may produce before
	// the engine prefers a linear scan of the primary map.
	ScanThreshold int
	// HalfLife feeds the recency weight reported on each result.
	HalfLife time.Duration
}

type source struct {
	name  string
	size  int
	build func() index.IDSet
}

// Run evaluates p. Results are clones sorted by importance desc, then last
// access desc, then id. No match yields an empty slice and no error.
func (q Engine) Run(cat Catalog, p Predicate, now time.Time) ([]*entry.ContextEntry, Plan, error) {
	if err := p.Validate(); err != nil {
		return nil, Plan{}, err
	}

	threshold := q.ScanThreshold
	if threshold <= 0 {
		threshold = DefaultScanThreshold
	}

	sources := q.sources(cat, p)
	var plan Plan
	var matched []*entry.ContextEntry

	narrowest := slices.MinFunc(append(sources, source{size: math.MaxInt}), func(a, b source) int {
		return cmp.Compare(a.size, b.size)
	})
	if narrowest.size > threshold || narrowest.size >= cat.Len() {
		plan.FullScan = true
		for e := range cat.Entries() {
			plan.Scanned++
			if p.Matches(e, now) {
				matched = append(matched, e)
			}
		}
	} else {
		sets := make([]index.IDSet, 0, len(sources))
		for _, s := range sources {
			plan.Indexes = append(plan.Indexes, s.name)
			sets = append(sets, s.build())
		}
		for _, id := range index.Intersect(sets...).Sorted() {
			e, ok := cat.Lookup(id)
			if !ok {
				return nil, plan, cmerr.New(cmerr.CodeStoreIndexDivergence,
					"index references an entry missing from the primary map", cmerr.FieldEntryID(id))
			}
			plan.Scanned++
			// Indices only narrow; the record is the authority.
			if p.Matches(e, now) {
				matched = append(matched, e)
			}
		}
	}

	SortResults(matched)
	if p.Limit > 0 && len(matched) > p.Limit {
		matched = matched[:p.Limit]
	}

	out := make([]*entry.ContextEntry, len(matched))
	for i, e := range matched {
		c := e.Clone()
		c.Temporal.RecencyWeight = entry.RecencyWeight(c.Temporal.LastAccessed, now, q.HalfLife)
		out[i] = c
	}
	return out, plan, nil
}

func (q Engine) sources(cat Catalog, p Predicate) []source {
	var out []source
	if p.Domain != "" {
		domain := p.Domain
		out = append(out, source{
			name:  "domain",
			size:  cat.Domains().Count(domain),
			build: func() index.IDSet { return cat.Domains().Lookup(domain) },
		})
	}
	for _, tag := range entry.NormalizeTags(p.Tags) {
		out = append(out, source{
			name:  "tag:" + tag,
			size:  cat.Tags().Count(tag),
			build: func() index.IDSet { return cat.Tags().Lookup(tag) },
		})
	}
	if p.Time != nil {
		tl := cat.Timeline(p.Time.Field)
		from, to := p.Time.From, p.Time.To
		out = append(out, source{
			name:  "time:" + string(p.Time.Field),
			size:  tl.CountRange(from, to),
			build: func() index.IDSet { return tl.Range(from, to) },
		})
	}
	return out
}

// SortResults orders entries by importance desc, last access desc, id asc.
func SortResults(es []*entry.ContextEntry) {
	slices.SortFunc(es, func(a, b *entry.ContextEntry) int {
		if c := cmp.Compare(b.Importance, a.Importance); c != 0 {
			return c
		}
		if c := b.Temporal.LastAccessed.Compare(a.Temporal.LastAccessed); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
