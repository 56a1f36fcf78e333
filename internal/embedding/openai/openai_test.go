// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzervas/context-mcp/internal/embedding/openai"
	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := openai.New(openai.Config{Dimensions: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
	assert.True(t, cmerr.IsInvalidInput(err))
}

func TestNew_RequiresDimensions(t *testing.T) {
	_, err := openai.New(openai.Config{APIKey: "k"})
	assert.True(t, cmerr.IsInvalidInput(err))
}

func TestEmbed_AgainstMockServer(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"data": [{"object": "embedding", "index": 0, "embedding": [0.5, -0.25, 1.0]}],
			"model": "text-embedding-3-small",
			"usage": {"prompt_tokens": 3, "total_tokens": 3}
		}`))
	}))
	defer srv.Close()

	e, err := openai.New(openai.Config{APIKey: "test-key", BaseURL: srv.URL + "/", Dimensions: 3})
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1.0}, vec)
	assert.Equal(t, "hello world", gotBody["input"])
	assert.Equal(t, "text-embedding-3-small", gotBody["model"])
	assert.EqualValues(t, 3, gotBody["dimensions"])
}

func TestEmbed_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "boom", "type": "server_error"}}`))
	}))
	defer srv.Close()

	e, err := openai.New(openai.Config{APIKey: "k", BaseURL: srv.URL + "/", Dimensions: 3})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, cmerr.IsUpstreamFailure(err))
}

func TestEmbed_EmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object": "list", "data": [], "model": "m", "usage": {"prompt_tokens": 0, "total_tokens": 0}}`))
	}))
	defer srv.Close()

	e, err := openai.New(openai.Config{APIKey: "k", BaseURL: srv.URL + "/", Dimensions: 3})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "x")
	assert.True(t, cmerr.HasCode(err, cmerr.CodeEmbeddingResponseInvalid))
}
