// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package entry

import (
	"math"
	"slices"
	"time"

	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Draft is the caller-supplied part of a new entry. The store assigns the
// id, timestamps and tier.
type Draft struct {
	Content    string     `json:"content"`
	Domain     string     `json:"domain"`
	Tags       []string   `json:"tags,omitempty"`
	Importance float64    `json:"importance"`
	Source     string     `json:"source,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Screening  *Screening `json:"screening,omitempty"`
	Evictable  bool       `json:"evictable,omitempty"`
}

// Patch changes the mutable fields of an entry. Nil fields are left alone.
// Content, source, id and creation time are immutable.
type Patch struct {
	Domain     *string    `json:"domain,omitempty"`
	Tags       *[]string  `json:"tags,omitempty"`
	Importance *float64   `json:"importance,omitempty"`
	Screening  *Screening `json:"screening,omitempty"`
	Evictable  *bool      `json:"evictable,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Domain == nil && p.Tags == nil && p.Importance == nil && p.Screening == nil && p.Evictable == nil
}

// Limits bounds what Validate accepts.
type Limits struct {
	// MaxContentBytes caps the content length; zero means unbounded.
	MaxContentBytes int
}

// Validate checks the draft without mutating it.
func (d Draft) Validate(lim Limits) error {
	if d.Content == "" {
		return cmerr.New(cmerr.CodeStoreEntryInvalid, "content must not be empty")
	}
	if lim.MaxContentBytes > 0 && len(d.Content) > lim.MaxContentBytes {
		return cmerr.Errorf(cmerr.CodeStoreEntryInvalid,
			"content is %d bytes, limit is %d", len(d.Content), lim.MaxContentBytes)
	}
	if err := validateImportance(d.Importance); err != nil {
		return err
	}
	if err := validateTags(d.Tags); err != nil {
		return err
	}
	if d.ValidFrom != nil && d.ValidUntil != nil && !d.ValidUntil.After(*d.ValidFrom) {
		return cmerr.New(cmerr.CodeStoreEntryInvalid, "valid_until must be after valid_from")
	}
	if d.Screening != nil {
		return ValidateScreening(*d.Screening)
	}
	return nil
}

// Validate checks every field the patch sets.
func (p Patch) Validate() error {
	if p.Importance != nil {
		if err := validateImportance(*p.Importance); err != nil {
			return err
		}
	}
	if p.Tags != nil {
		if err := validateTags(*p.Tags); err != nil {
			return err
		}
	}
	if p.Screening != nil {
		return ValidateScreening(*p.Screening)
	}
	return nil
}

// ValidateScreening rejects verdicts with an unknown risk level or a
// confidence outside [0,1].
func ValidateScreening(s Screening) error {
	if !s.RiskLevel.Valid() {
		return cmerr.Errorf(cmerr.CodeStoreEntryInvalid, "unknown risk level %q", s.RiskLevel)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return cmerr.Errorf(cmerr.CodeStoreEntryInvalid, "screening confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// New builds a fresh Episodic entry from a validated draft.
func New(id string, d Draft, now time.Time) *ContextEntry {
	e := &ContextEntry{
		ID:         id,
		Content:    d.Content,
		Domain:     d.Domain,
		Tags:       NormalizeTags(d.Tags),
		Importance: d.Importance,
		Source:     d.Source,
		Temporal: Temporal{
			CreatedAt:    now,
			LastAccessed: now,
			ValidFrom:    cloneTime(d.ValidFrom),
			ValidUntil:   cloneTime(d.ValidUntil),
		},
		Tier:      TierEpisodic,
		Evictable: d.Evictable,
		Version:   1,
	}
	if d.Screening != nil {
		s := *d.Screening
		s.Flags = slices.Clone(d.Screening.Flags)
		e.Screening = &s
	}
	return e
}

// Apply returns a copy of e with the patch applied and the version bumped.
func (p Patch) Apply(e *ContextEntry) *ContextEntry {
	out := e.Clone()
	if p.Domain != nil {
		out.Domain = *p.Domain
	}
	if p.Tags != nil {
		out.Tags = NormalizeTags(*p.Tags)
	}
	if p.Importance != nil {
		out.Importance = *p.Importance
	}
	if p.Screening != nil {
		s := *p.Screening
		s.Flags = slices.Clone(p.Screening.Flags)
		out.Screening = &s
	}
	if p.Evictable != nil {
		out.Evictable = *p.Evictable
	}
	out.Version++
	return out
}

func validateImportance(v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return cmerr.Errorf(cmerr.CodeStoreEntryInvalid, "importance %v outside [0,1]", v)
	}
	return nil
}

func validateTags(tags []string) error {
	for i, t := range tags {
		if t == "" {
			return cmerr.Errorf(cmerr.CodeStoreEntryInvalid, "tag %d is empty", i)
		}
	}
	return nil
}
