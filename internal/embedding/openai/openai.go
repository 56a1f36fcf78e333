// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

// Package openai embeds text with the OpenAI embeddings API (or any
// compatible endpoint reachable through BaseURL).
package openai

import (
	"context"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tzervas/context-mcp/internal/embedding"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = openaisdk.EmbeddingModelTextEmbedding3Small

// Config holds OpenAI embedder configuration.
type Config struct {
	APIKey     string
	BaseURL    string // optional, useful for testing against a mock server
	Model      string
	Dimensions int
	MaxRetries int
}

var _ embedding.Embedder = (*Embedder)(nil)

// Embedder calls POST /embeddings once per text.
type Embedder struct {
	client openaisdk.Client
	model  string
	dims   int
}

// New validates cfg and builds the client.
func New(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, cmerr.New(cmerr.CodeEmbeddingRequestInvalid, "openai: missing api_key in config", cmerr.FieldProvider("openai"))
	}
	if cfg.Dimensions <= 0 {
		return nil, cmerr.Errorf(cmerr.CodeEmbeddingRequestInvalid, "openai: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Embedder{
		client: openaisdk.NewClient(opts...),
		model:  cfg.Model,
		dims:   cfg.Dimensions,
	}, nil
}

func (e *Embedder) Name() string    { return "openai" }
func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Input:          openaisdk.EmbeddingNewParamsInputUnion{OfString: openaisdk.String(text)},
		Model:          e.model,
		Dimensions:     openaisdk.Int(int64(e.dims)),
		EncodingFormat: openaisdk.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, cmerr.Wrapf(err, cmerr.CodeEmbeddingUpstreamFailure, "openai: embeddings request")
	}
	if len(resp.Data) == 0 {
		return nil, cmerr.New(cmerr.CodeEmbeddingResponseInvalid, "openai: empty embeddings response")
	}

	raw := resp.Data[0].Embedding
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}
