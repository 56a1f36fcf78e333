// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package scanner

import (
	_ "embed"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

//go:embed rules/default.yml
var defaultRulesYAML []byte

// ruleFile is the top-level structure of a rules YAML file.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name       string  `yaml:"name"`
	Category   string  `yaml:"category"`
	Severity   string  `yaml:"severity"`
	Confidence float64 `yaml:"confidence"`
	Regex      string  `yaml:"regex"`
}

var (
	defaultOnce  sync.Once
	defaultRules []Rule
	defaultErr   error
)

// DefaultRules returns the embedded rule set. It is parsed once.
func DefaultRules() ([]Rule, error) {
	defaultOnce.Do(func() {
		defaultRules, defaultErr = ParseRules(defaultRulesYAML)
	})
	if defaultErr != nil {
		return nil, defaultErr
	}
	out := make([]Rule, len(defaultRules))
	copy(out, defaultRules)
	return out, nil
}

// LoadRules reads a rules file from disk.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cmerr.Wrapf(err, cmerr.CodeConfigLoadReadFailure, "reading screening rules %s", path)
	}
	return ParseRules(data)
}

// ParseRules decodes and compiles a rules document. Any rule that fails to
// compile aborts the whole load: a partial rule set would screen silently
// weaker than configured.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, cmerr.Errorf(cmerr.CodeConfigParseInvalidFormat, "parsing screening rules YAML: %w", err)
	}

	seen := make(map[string]bool, len(f.Rules))
	var failed []string
	rules := make([]Rule, 0, len(f.Rules))
	for _, spec := range f.Rules {
		if seen[spec.Name] {
			slog.Warn("duplicate screening rule name, skipping", "name", spec.Name)
			continue
		}
		seen[spec.Name] = true

		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			slog.Error("screening rule failed to compile", "name", spec.Name, "regex", spec.Regex, "error", err)
			failed = append(failed, spec.Name)
			continue
		}
		rules = append(rules, Rule{
			Name:       spec.Name,
			Category:   Category(spec.Category),
			Pattern:    re,
			Severity:   entry.RiskLevel(spec.Severity),
			Confidence: spec.Confidence,
		})
	}

	if len(failed) > 0 {
		return nil, cmerr.Errorf(cmerr.CodeSecurityScannerInputInvalid,
			"%d screening rule(s) failed to compile: %v", len(failed), failed)
	}
	if len(rules) == 0 {
		return nil, cmerr.New(cmerr.CodeSecurityScannerInputInvalid, "no screening rules loaded")
	}
	return rules, nil
}

// NewDefault builds a scanner over the embedded rules.
func NewDefault(opts ...Option) (*RegexScanner, error) {
	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	return NewRegexScanner(rules, opts...)
}
