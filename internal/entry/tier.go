// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package entry

// Tier is the consolidation level of an entry. New entries start Episodic
// and only move forward, one step at a time.
type Tier string

const (
	TierEpisodic Tier = "episodic"
	TierSession  Tier = "session"
	TierLongTerm Tier = "long_term"
)

// Tiers lists every tier in promotion order.
var Tiers = []Tier{TierEpisodic, TierSession, TierLongTerm}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t.rank() >= 0
}

// Next returns the tier an entry is promoted to. LongTerm has no successor.
func (t Tier) Next() (Tier, bool) {
	r := t.rank()
	if r < 0 || r == len(Tiers)-1 {
		return "", false
	}
	return Tiers[r+1], true
}

// CanAdvanceTo reports whether a move from t to next is a legal promotion.
// Every tier change outside the operator reset goes through this check.
func (t Tier) CanAdvanceTo(next Tier) bool {
	want, ok := t.Next()
	return ok && want == next
}

func (t Tier) String() string { return string(t) }

func (t Tier) rank() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return -1
}
