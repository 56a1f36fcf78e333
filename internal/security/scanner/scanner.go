// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package scanner screens entry content for sensitive data and injected
// instructions, producing the verdict stored on each entry.
package scanner

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// Category groups rules by what they detect.
type Category string

const (
	CategoryPII           Category = "pii"
	CategorySecret        Category = "secret"
	CategoryVulnerability Category = "vulnerability"
	CategoryInjection     Category = "injection"
)

// Valid reports whether the category is known.
func (c Category) Valid() bool {
	switch c {
	case CategoryPII, CategorySecret, CategoryVulnerability, CategoryInjection:
		return true
	default:
		return false
	}
}

// Rule defines a detection pattern.
type Rule struct {
	Name       string
	Category   Category
	Pattern    *regexp.Regexp
	Severity   entry.RiskLevel
	Confidence float64
}

// Flag is the label a match leaves on an entry, e.g. "secret:aws_access_key".
func (r Rule) Flag() string {
	return string(r.Category) + ":" + r.Name
}

// Match describes a single pattern match. Location and Length are byte
// offsets into the normalized content.
type Match struct {
	Rule     string
	Location int
	Length   int
}

// DefaultMaxContentLength is the largest content RegexScanner inspects (1MB).
const DefaultMaxContentLength = 1 << 20

// oversizeConfidence is reported when content is too large to inspect.
const oversizeConfidence = 0.5

// cleanConfidence is reported when no rule matched. Regex screening cannot
// prove absence, so it stays below certainty.
const cleanConfidence = 0.8

// RegexScanner implements screening with compiled regexes. It is safe for
// concurrent use.
type RegexScanner struct {
	rules            []Rule
	maxContentLength int
	now              func() time.Time
}

// Option configures a RegexScanner.
type Option func(*RegexScanner)

// WithMaxContentLength overrides DefaultMaxContentLength.
func WithMaxContentLength(n int) Option {
	return func(s *RegexScanner) { s.maxContentLength = n }
}

// WithClock overrides the ScreenedAt time source.
func WithClock(now func() time.Time) Option {
	return func(s *RegexScanner) { s.now = now }
}

// NewRegexScanner creates a scanner with the given rules.
func NewRegexScanner(rules []Rule, opts ...Option) (*RegexScanner, error) {
	for i, r := range rules {
		if r.Pattern == nil {
			return nil, cmerr.Errorf(cmerr.CodeSecurityScannerInputInvalid, "rule %d (%s) has nil pattern", i, r.Name)
		}
		if r.Name == "" {
			return nil, cmerr.Errorf(cmerr.CodeSecurityScannerInputInvalid, "rule %d has empty name", i)
		}
		if !r.Category.Valid() {
			return nil, cmerr.Errorf(cmerr.CodeSecurityScannerInputInvalid, "rule %d (%s) has invalid category %q", i, r.Name, r.Category)
		}
		if !r.Severity.Valid() || r.Severity == entry.RiskNone {
			return nil, cmerr.Errorf(cmerr.CodeSecurityScannerInputInvalid, "rule %d (%s) has invalid severity %q", i, r.Name, r.Severity)
		}
		if r.Confidence <= 0 || r.Confidence > 1 {
			return nil, cmerr.Errorf(cmerr.CodeSecurityScannerInputInvalid, "rule %d (%s) confidence %v outside (0,1]", i, r.Name, r.Confidence)
		}
	}
	s := &RegexScanner{rules: rules, maxContentLength: DefaultMaxContentLength, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// invisibleCharReplacer strips zero-width and formatting characters that
// would otherwise split a secret and hide it from the patterns.
var invisibleCharReplacer = strings.NewReplacer(
	"\u200B", "", // zero-width space
	"\u200C", "", // zero-width non-joiner
	"\u200D", "", // zero-width joiner
	"\uFEFF", "", // BOM
	"\u00AD", "", // soft hyphen
	"\u2060", "", // word joiner
	"\u2062", "", // invisible times
	"\u2063", "", // invisible separator
)

// Normalize applies NFKC and strips invisible characters.
func Normalize(s string) string {
	return norm.NFKC.String(invisibleCharReplacer.Replace(s))
}

// Matches returns every rule match in the normalized content.
func (s *RegexScanner) Matches(content string) []Match {
	content = Normalize(content)
	var out []Match
	for _, rule := range s.rules {
		for _, loc := range rule.Pattern.FindAllStringIndex(content, -1) {
			out = append(out, Match{Rule: rule.Name, Location: loc[0], Length: loc[1] - loc[0]})
		}
	}
	return out
}

// Scan produces a verdict for content. Risk is the highest severity among
// matched rules, flags name each matched rule once, and confidence is the
// best confidence of the rules that set the risk level.
func (s *RegexScanner) Scan(ctx context.Context, content string) (entry.Screening, error) {
	if err := ctx.Err(); err != nil {
		return entry.Screening{}, cmerr.Wrap(err, cmerr.CodeSecurityScannerFailure, "scan canceled")
	}
	verdict := entry.Screening{RiskLevel: entry.RiskNone, Confidence: cleanConfidence, ScreenedAt: s.now()}

	content = Normalize(content)
	if len(content) > s.maxContentLength {
		verdict.RiskLevel = entry.RiskHigh
		verdict.Flags = []string{"limit:content_too_large"}
		verdict.Confidence = oversizeConfidence
		return verdict, nil
	}

	var flags []string
	for _, rule := range s.rules {
		if !rule.Pattern.MatchString(content) {
			continue
		}
		flags = append(flags, rule.Flag())
		switch {
		case rule.Severity.Severity() > verdict.RiskLevel.Severity():
			verdict.RiskLevel = rule.Severity
			verdict.Confidence = rule.Confidence
		case rule.Severity == verdict.RiskLevel:
			verdict.Confidence = max(verdict.Confidence, rule.Confidence)
		}
	}
	slices.Sort(flags)
	verdict.Flags = slices.Compact(flags)
	return verdict, nil
}

// Rules returns a copy of the configured rules.
func (s *RegexScanner) Rules() []Rule {
	return slices.Clone(s.rules)
}

func (s *RegexScanner) String() string {
	return fmt.Sprintf("RegexScanner(%d rules)", len(s.rules))
}
