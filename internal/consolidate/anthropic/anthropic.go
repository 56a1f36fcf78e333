// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package anthropic summarizes consolidated entries with the Claude
// Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tzervas/context-mcp/internal/consolidate"
	"github.com/tzervas/context-mcp/internal/entry"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

const (
	DefaultModel     = "claude-haiku-4-5"
	DefaultMaxTokens = 1024
)

const systemPrompt = `You consolidate notes kept by an assistant's memory store.
Merge the numbered notes into one self-contained note that keeps every fact,
identifier, number and decision. Drop repetition. Do not add information.
Reply with the note text only.`

// Config holds Anthropic summarizer configuration.
type Config struct {
	APIKey    string
	BaseURL   string // optional, useful for testing against a mock server
	Model     string
	MaxTokens int64
}

// Summarizer implements consolidate.Summarizer.
type Summarizer struct {
	client    anthropicsdk.Client
	model     string
	maxTokens int64
}

var _ consolidate.Summarizer = (*Summarizer)(nil)

// New returns an error if the API key is missing.
func New(cfg Config) (*Summarizer, error) {
	if cfg.APIKey == "" {
		return nil, cmerr.New(cmerr.CodeConfigValidateInvalidValue, "anthropic: missing api_key", cmerr.FieldProvider("anthropic"))
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Summarizer{
		client:    anthropicsdk.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (s *Summarizer) Summarize(ctx context.Context, sources []*entry.ContextEntry) (string, error) {
	if len(sources) == 0 {
		return "", cmerr.New(cmerr.CodeConsolidationSummarizeFailed, "nothing to summarize")
	}

	msg, err := s.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(s.model),
		MaxTokens: s.maxTokens,
		System:    []anthropicsdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(Prompt(sources))),
		},
	})
	if err != nil {
		return "", cmerr.Wrap(err, cmerr.CodeConsolidationSummarizeFailed, "anthropic messages request", cmerr.FieldProvider("anthropic"))
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", cmerr.New(cmerr.CodeConsolidationSummarizeFailed, "anthropic returned no text", cmerr.FieldProvider("anthropic"))
	}
	return out, nil
}

// Prompt renders sources as a numbered list with their domain and tags.
func Prompt(sources []*entry.ContextEntry) string {
	var b strings.Builder
	for i, e := range sources {
		fmt.Fprintf(&b, "%d. [%s]", i+1, e.Domain)
		if len(e.Tags) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(e.Tags, ", "))
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(e.Content))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
