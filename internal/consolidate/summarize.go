// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package consolidate

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/tzervas/context-mcp/internal/entry"
)

// Summarizer produces the content of a consolidated entry from its sources.
// Sources arrive ordered by creation time.
type Summarizer interface {
	Summarize(ctx context.Context, sources []*entry.ContextEntry) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, sources []*entry.ContextEntry) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, sources []*entry.ContextEntry) (string, error) {
	return f(ctx, sources)
}

// ConcatSummarizer joins source contents with a blank line. It is
// deterministic, so re-running consolidation over the same input yields the
// same content.
type ConcatSummarizer struct {
	// MaxBytes truncates the result on a rune boundary. Zero means no limit.
	MaxBytes int
}

func (c ConcatSummarizer) Summarize(_ context.Context, sources []*entry.ContextEntry) (string, error) {
	parts := make([]string, 0, len(sources))
	for _, e := range sources {
		if s := strings.TrimSpace(e.Content); s != "" {
			parts = append(parts, s)
		}
	}
	out := strings.Join(parts, "\n\n")
	if c.MaxBytes > 0 && len(out) > c.MaxBytes {
		out = out[:c.MaxBytes]
		for !utf8.ValidString(out) {
			out = out[:len(out)-1]
		}
	}
	return out, nil
}
