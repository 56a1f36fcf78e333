// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package consolidate moves entries up the memory tiers. A pass promotes or
// merges aged entries according to per-tier rules; every commit is verified
// against the entry versions it was planned from, so a pass never overwrites
// a concurrent write.
package consolidate

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Provenance actions recorded on consolidated entries.
const (
	ProvenancePromote = "promote"
	ProvenanceMerge   = "merge"
)

// MergedSource is used as the source of a merged entry whose inputs came
// from different places.
const MergedSource = "consolidated"

const (
	DefaultSimilarityThreshold = 0.5
	DefaultBatchSize           = 256
)

// View is the store surface a pass runs against. Candidates returns clones;
// Promote and Merge fail with a deferred error when an entry changed or
// disappeared after it was read.
type View interface {
	Candidates(tier entry.Tier, createdBefore time.Time, limit int) []*entry.ContextEntry
	Promote(ctx context.Context, id string, version uint64, to entry.Tier, content *string, rec entry.ProvenanceRecord) error
	Merge(ctx context.Context, sources map[string]uint64, merged *entry.ContextEntry) error
}

// Report summarizes a pass.
type Report struct {
	Promoted      int `json:"promoted"`
	Merged        int `json:"merged"`
	MergedSources int `json:"merged_sources"`
	Deferred      int `json:"deferred"`
}

// Changed reports whether the pass committed anything.
func (r Report) Changed() bool {
	return r.Promoted+r.Merged > 0
}

func (r *Report) add(o Report) {
	r.Promoted += o.Promoted
	r.Merged += o.Merged
	r.MergedSources += o.MergedSources
	r.Deferred += o.Deferred
}

// Engine runs consolidation passes.
type Engine struct {
	Rules               Rules
	Summarizer          Summarizer
	SimilarityThreshold float64
	BatchSize           int
	Logger              *slog.Logger
	Now                 func() time.Time
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) summarizer() Summarizer {
	if e.Summarizer != nil {
		return e.Summarizer
	}
	return ConcatSummarizer{}
}

// Run executes one pass: episodic first, then session, so entries promoted
// out of episodic are considered for session in the same pass. Deferred
// steps are counted and left for the next pass. Only failures that are not
// deferrals, or context cancellation, abort the pass.
func (e *Engine) Run(ctx context.Context, view View) (Report, error) {
	rules := e.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	if err := rules.Validate(); err != nil {
		return Report{}, err
	}
	batch := e.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	var total Report
	for _, tier := range []entry.Tier{entry.TierEpisodic, entry.TierSession} {
		rule, ok := rules.For(tier)
		if !ok || rule.Action == ActionLeave {
			continue
		}
		next, _ := tier.Next()

		cutoff := e.now().Add(-rule.MaxAge)
		cands := view.Candidates(tier, cutoff, batch)
		if len(cands) == 0 {
			continue
		}

		var (
			rep Report
			err error
		)
		switch rule.Action {
		case ActionMergeSiblings:
			rep, err = e.mergeSiblings(ctx, view, cands, tier, next)
		case ActionSummarizePromote:
			rep, err = e.summarizePromote(ctx, view, cands, tier, next)
		}
		total.add(rep)
		if err != nil {
			return total, err
		}
		e.logger().Debug("consolidated tier",
			"tier", tier,
			"candidates", len(cands),
			"promoted", rep.Promoted,
			"merged", rep.Merged,
			"deferred", rep.Deferred,
		)
	}
	return total, nil
}

func (e *Engine) summarizePromote(ctx context.Context, view View, cands []*entry.ContextEntry, from, to entry.Tier) (Report, error) {
	var rep Report
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		content, err := e.summarize(ctx, []*entry.ContextEntry{c})
		if err != nil {
			e.deferStep(&rep, err, c.ID)
			continue
		}
		var newContent *string
		if content != c.Content {
			newContent = &content
		}
		if err := e.promote(ctx, view, c, from, to, newContent); err != nil {
			if !cmerr.IsDeferred(err) {
				return rep, err
			}
			e.deferStep(&rep, err, c.ID)
			continue
		}
		rep.Promoted++
	}
	return rep, nil
}

func (e *Engine) mergeSiblings(ctx context.Context, view View, cands []*entry.ContextEntry, from, to entry.Tier) (Report, error) {
	var rep Report
	for _, group := range e.groups(cands) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if len(group) == 1 {
			if err := e.promote(ctx, view, group[0], from, to, nil); err != nil {
				if !cmerr.IsDeferred(err) {
					return rep, err
				}
				e.deferStep(&rep, err, group[0].ID)
				continue
			}
			rep.Promoted++
			continue
		}

		content, err := e.summarize(ctx, group)
		if err != nil {
			e.deferStep(&rep, err, group[0].ID)
			continue
		}
		merged := Merge(uuid.NewString(), group, content, to, e.now())
		refs := make(map[string]uint64, len(group))
		for _, s := range group {
			refs[s.ID] = s.Version
		}
		if err := view.Merge(ctx, refs, merged); err != nil {
			if !cmerr.IsDeferred(err) {
				return rep, err
			}
			e.deferStep(&rep, err, group[0].ID)
			continue
		}
		rep.Merged++
		rep.MergedSources += len(group)
	}
	return rep, nil
}

func (e *Engine) promote(ctx context.Context, view View, c *entry.ContextEntry, from, to entry.Tier, content *string) error {
	rec := entry.ProvenanceRecord{
		Action:    ProvenancePromote,
		SourceIDs: []string{c.ID},
		FromTier:  from,
		ToTier:    to,
		At:        e.now(),
	}
	return view.Promote(ctx, c.ID, c.Version, to, content, rec)
}

func (e *Engine) summarize(ctx context.Context, sources []*entry.ContextEntry) (string, error) {
	content, err := e.summarizer().Summarize(ctx, sources)
	if err != nil {
		return "", cmerr.Recode(err, cmerr.CodeConsolidationDeferred, "summarizer failed")
	}
	if content == "" {
		return "", cmerr.New(cmerr.CodeConsolidationDeferred, "summarizer returned empty content")
	}
	return content, nil
}

func (e *Engine) deferStep(rep *Report, err error, id string) {
	rep.Deferred++
	e.logger().Info("consolidation step deferred", "entry_id", id, "error", err)
}

// groups partitions candidates by domain and then greedily by tag
// similarity to each group's first member. Input order within a domain is
// creation time, so grouping is deterministic.
func (e *Engine) groups(cands []*entry.ContextEntry) [][]*entry.ContextEntry {
	threshold := e.SimilarityThreshold
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}

	sorted := slices.Clone(cands)
	slices.SortStableFunc(sorted, func(a, b *entry.ContextEntry) int {
		return cmp.Or(
			cmp.Compare(a.Domain, b.Domain),
			a.Temporal.CreatedAt.Compare(b.Temporal.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})

	var out [][]*entry.ContextEntry
	used := make([]bool, len(sorted))
	for i, seed := range sorted {
		if used[i] {
			continue
		}
		used[i] = true
		group := []*entry.ContextEntry{seed}
		for j := i + 1; j < len(sorted) && sorted[j].Domain == seed.Domain; j++ {
			if used[j] {
				continue
			}
			if Jaccard(seed.Tags, sorted[j].Tags) >= threshold {
				used[j] = true
				group = append(group, sorted[j])
			}
		}
		out = append(out, group)
	}
	return out
}

// Jaccard is |a∩b| / |a∪b| over sorted, deduplicated tag sets. Two empty
// sets are identical.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter, i, j := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// Merge builds the consolidated entry for sources. Tags are unioned,
// importance is the maximum, timestamps span the sources, and the entry
// stays evictable only if every source was. A source with an open validity
// bound leaves that bound open on the merged entry.
func Merge(id string, sources []*entry.ContextEntry, content string, to entry.Tier, now time.Time) *entry.ContextEntry {
	first := sources[0]
	m := &entry.ContextEntry{
		ID:         id,
		Content:    content,
		Domain:     first.Domain,
		Source:     first.Source,
		Importance: first.Importance,
		Tier:       to,
		Evictable:  true,
		Version:    1,
		Temporal: entry.Temporal{
			CreatedAt:    first.Temporal.CreatedAt,
			LastAccessed: first.Temporal.LastAccessed,
		},
	}

	var (
		tags      []string
		ids       = make([]string, 0, len(sources))
		noExpiry  bool
		noStart   bool
		validFrom *time.Time
	)
	for _, s := range sources {
		ids = append(ids, s.ID)
		tags = append(tags, s.Tags...)
		m.Importance = max(m.Importance, s.Importance)
		m.Evictable = m.Evictable && s.Evictable
		if s.Source != m.Source {
			m.Source = MergedSource
		}
		if s.Temporal.CreatedAt.Before(m.Temporal.CreatedAt) {
			m.Temporal.CreatedAt = s.Temporal.CreatedAt
		}
		if s.Temporal.LastAccessed.After(m.Temporal.LastAccessed) {
			m.Temporal.LastAccessed = s.Temporal.LastAccessed
		}
		switch vf := s.Temporal.ValidFrom; {
		case vf == nil:
			noStart = true
		case validFrom == nil || vf.Before(*validFrom):
			v := *vf
			validFrom = &v
		}
		switch vu := s.Temporal.ValidUntil; {
		case vu == nil:
			noExpiry = true
		case m.Temporal.ValidUntil == nil || vu.After(*m.Temporal.ValidUntil):
			v := *vu
			m.Temporal.ValidUntil = &v
		}
		if s.Screening != nil && (m.Screening == nil || s.Screening.RiskLevel.Severity() > m.Screening.RiskLevel.Severity()) {
			sc := *s.Screening
			sc.Flags = slices.Clone(s.Screening.Flags)
			m.Screening = &sc
		}
		for _, p := range s.Provenance {
			p.SourceIDs = slices.Clone(p.SourceIDs)
			m.Provenance = append(m.Provenance, p)
		}
	}
	if noExpiry {
		m.Temporal.ValidUntil = nil
	}
	if !noStart {
		m.Temporal.ValidFrom = validFrom
	}
	m.Tags = entry.NormalizeTags(tags)

	slices.Sort(ids)
	m.Provenance = append(m.Provenance, entry.ProvenanceRecord{
		Action:    ProvenanceMerge,
		SourceIDs: ids,
		FromTier:  first.Tier,
		ToTier:    to,
		At:        now,
	})
	return m
}
