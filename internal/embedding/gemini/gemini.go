// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package gemini embeds text with the Google Gemini embedding models.
package gemini

import (
	"context"

	"google.golang.org/genai"

	"github.com/tzervas/context-mcp/internal/embedding"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-embedding-001"

// Config holds Gemini embedder configuration.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

var _ embedding.Embedder = (*Embedder)(nil)

type Embedder struct {
	client *genai.Client
	model  string
	dims   int
}

// New validates cfg and builds the client. No request is made.
func New(ctx context.Context, cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, cmerr.New(cmerr.CodeEmbeddingRequestInvalid, "gemini: missing api_key in config", cmerr.FieldProvider("gemini"))
	}
	if cfg.Dimensions <= 0 {
		return nil, cmerr.Errorf(cmerr.CodeEmbeddingRequestInvalid, "gemini: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, cmerr.Wrapf(err, cmerr.CodeEmbeddingUpstreamFailure, "gemini: creating client")
	}
	return &Embedder{client: client, model: cfg.Model, dims: cfg.Dimensions}, nil
}

func (e *Embedder) Name() string    { return "gemini" }
func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := int32(e.dims)
	resp, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, cmerr.Wrapf(err, cmerr.CodeEmbeddingUpstreamFailure, "gemini: embed content")
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, cmerr.New(cmerr.CodeEmbeddingResponseInvalid, "gemini: empty embedding response")
	}
	return resp.Embeddings[0].Values, nil
}
