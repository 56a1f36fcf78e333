// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package consolidate

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Action is what a rule does with an eligible entry.
type Action string

const (
	// ActionMergeSiblings merges related entries of the same domain into one
	// entry of the next tier. Entries with no sibling are promoted alone.
	ActionMergeSiblings Action = "merge_siblings"
	// ActionSummarizePromote summarizes each entry on its own and promotes it.
	ActionSummarizePromote Action = "summarize_promote"
	ActionLeave            Action = "leave"
)

func (a Action) Valid() bool {
	switch a {
	case ActionMergeSiblings, ActionSummarizePromote, ActionLeave:
		return true
	default:
		return false
	}
}

// Rule applies Action to entries of Tier whose age since creation exceeds
// MaxAge.
type Rule struct {
	Tier   entry.Tier    `yaml:"tier" json:"tier"`
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`
	Action Action        `yaml:"action" json:"action"`
}

// Rules is the consolidation policy, at most one rule per tier.
type Rules []Rule

// DefaultRules merges episodic siblings after an hour and promotes session
// entries to long-term after a day.
func DefaultRules() Rules {
	return Rules{
		{Tier: entry.TierEpisodic, MaxAge: time.Hour, Action: ActionMergeSiblings},
		{Tier: entry.TierSession, MaxAge: 24 * time.Hour, Action: ActionSummarizePromote},
	}
}

// Validate rejects unknown tiers and actions, duplicate tiers, negative ages
// and any rule that would move an entry past the last tier.
func (r Rules) Validate() error {
	seen := make(map[entry.Tier]bool, len(r))
	for i, rule := range r {
		if !rule.Tier.Valid() {
			return cmerr.Errorf(cmerr.CodeConsolidationRuleInvalid, "rule %d: unknown tier %q", i, rule.Tier)
		}
		if seen[rule.Tier] {
			return cmerr.Errorf(cmerr.CodeConsolidationRuleInvalid, "rule %d: duplicate rule for tier %s", i, rule.Tier)
		}
		seen[rule.Tier] = true
		if !rule.Action.Valid() {
			return cmerr.Errorf(cmerr.CodeConsolidationRuleInvalid, "rule %d: unknown action %q", i, rule.Action)
		}
		if rule.MaxAge < 0 {
			return cmerr.Errorf(cmerr.CodeConsolidationRuleInvalid, "rule %d: negative max_age %s", i, rule.MaxAge)
		}
		if _, ok := rule.Tier.Next(); !ok && rule.Action != ActionLeave {
			return cmerr.Errorf(cmerr.CodeConsolidationRuleInvalid,
				"rule %d: tier %s is final, only %q is allowed", i, rule.Tier, ActionLeave)
		}
	}
	return nil
}

// For returns the rule for tier, if any.
func (r Rules) For(tier entry.Tier) (Rule, bool) {
	for _, rule := range r {
		if rule.Tier == tier {
			return rule, true
		}
	}
	return Rule{}, false
}

type rulesFile struct {
	Rules Rules `yaml:"rules"`
}

// ParseRules decodes a YAML rules document:
//
//	rules:
//	  - tier: episodic
//	    max_age: 1h
//	    action: merge_siblings
func ParseRules(data []byte) (Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, cmerr.Errorf(cmerr.CodeConfigParseInvalidFormat, "parsing consolidation rules: %v", err)
	}
	if err := f.Rules.Validate(); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// LoadRules reads a rules file from disk.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cmerr.Wrapf(err, cmerr.CodeConfigLoadReadFailure, "reading consolidation rules %s", path)
	}
	return ParseRules(data)
}
