// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzervas/context-mcp/internal/capacity"
	"github.com/tzervas/context-mcp/internal/embedding/hash"
	"github.com/tzervas/context-mcp/internal/entry"
	"github.com/tzervas/context-mcp/internal/retrieval"
	"github.com/tzervas/context-mcp/internal/server"
	"github.com/tzervas/context-mcp/internal/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	t     *testing.T
	store *store.Store
	h     http.Handler
	token string
}

func newFixture(t *testing.T, withEmbedder bool, token string) *fixture {
	t.Helper()
	deps := store.Deps{Logger: quiet}
	if withEmbedder {
		emb, err := hash.New(64)
		require.NoError(t, err)
		deps.Embedder = emb
	}
	st, err := store.Open(context.Background(), store.Config{
		Capacity:        capacity.Budget{Mode: capacity.ModeCount, Limit: 50},
		SimilarityFloor: 0.1,
	}, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv, err := server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
		AuthToken:  token,
		Registry:   st.Registry(),
		Logger:     quiet,
	}, st)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	return &fixture{t: t, store: st, h: srv.Handler(), token: token}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func (f *fixture) put(content, domain string, importance float64, tags ...string) string {
	f.t.Helper()
	body := map[string]any{
		"content":    content,
		"domain":     domain,
		"importance": importance,
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}
	w := f.do(http.MethodPost, "/api/v1/contexts", body)
	require.Equal(f.t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	return decode[struct {
		ID string `json:"id"`
	}](f.t, w).ID
}

func TestNew_RequiresListenAddrAndBackend(t *testing.T) {
	_, err := server.New(server.Config{}, nil)
	require.Error(t, err)

	_, err = server.New(server.Config{ListenAddr: ":0"}, nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true, "")
	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[server.HealthBody](t, w)
	assert.Equal(t, "ok", body.Status)
	require.NotNil(t, body.Embedder)
	assert.Equal(t, "hash", body.Embedder.Name)
}

func TestPutGetUpdateDelete(t *testing.T) {
	f := newFixture(t, false, "")
	id := f.put("rotate etcd certs yearly", "kubernetes", 0.7, "etcd")
	require.NotEmpty(t, id)

	w := f.do(http.MethodGet, "/api/v1/contexts/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[entry.ContextEntry](t, w)
	assert.Equal(t, "rotate etcd certs yearly", got.Content)
	assert.Equal(t, entry.TierEpisodic, got.Tier)

	w = f.do(http.MethodPatch, "/api/v1/contexts/"+id, map[string]any{"importance": 0.9, "tags": []string{"etcd", "certs"}})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	got = decode[entry.ContextEntry](t, w)
	assert.InDelta(t, 0.9, got.Importance, 1e-9)
	assert.ElementsMatch(t, []string{"etcd", "certs"}, got.Tags)

	type deleted struct {
		Deleted bool `json:"deleted"`
	}
	w = f.do(http.MethodDelete, "/api/v1/contexts/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.True(t, decode[deleted](t, w).Deleted)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/contexts/"+id, nil).Code)

	// A second delete is a no-op, not an error.
	w = f.do(http.MethodDelete, "/api/v1/contexts/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.False(t, decode[deleted](t, w).Deleted)
}

func TestPut_InvalidBodyRejected(t *testing.T) {
	f := newFixture(t, false, "")
	w := f.do(http.MethodPost, "/api/v1/contexts", map[string]any{"content": "x", "importance": 4})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodPost, "/api/v1/contexts", map[string]any{"content": "", "importance": 0.5})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestUpdate_StoreValidationIsBadRequest(t *testing.T) {
	f := newFixture(t, false, "")
	id := f.put("note", "ops", 0.5)
	w := f.do(http.MethodPatch, "/api/v1/contexts/"+id, map[string]any{"tags": []string{""}})
	assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", w.Body.String())
	assert.Contains(t, w.Body.String(), "store.entry.validate.invalid")
}

func TestQuery(t *testing.T) {
	f := newFixture(t, false, "")
	a := f.put("pod restarts", "kubernetes", 0.8, "pods")
	f.put("disk alert", "hardware", 0.9)
	c := f.put("node drain", "kubernetes", 0.3)

	w := f.do(http.MethodPost, "/api/v1/contexts/query", map[string]any{"domain": "kubernetes"})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	res := decode[struct {
		Entries []entry.ContextEntry `json:"entries"`
		Plan    struct {
			FullScan bool `json:"full_scan"`
		} `json:"plan"`
	}](t, w)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, a, res.Entries[0].ID, "ordered by importance")
	assert.Equal(t, c, res.Entries[1].ID)

	w = f.do(http.MethodPost, "/api/v1/contexts/query", map[string]any{"domain": "kubernetes", "min_importance": 0.5, "tags": []string{"pods"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[struct {
		Entries []entry.ContextEntry `json:"entries"`
	}](t, w).Entries, 1)

	w = f.do(http.MethodPost, "/api/v1/contexts/query", map[string]any{"domain": "nothing"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"entries":[]`)

	since := time.Now().Add(time.Hour)
	w = f.do(http.MethodPost, "/api/v1/contexts/query", map[string]any{"since": since, "until": since.Add(-2 * time.Hour)})
	assert.Equal(t, http.StatusBadRequest, w.Code, "inverted time range")
}

func TestRetrieve(t *testing.T) {
	f := newFixture(t, true, "")
	f.put("kubernetes pod crash loop backoff", "ops", 0.5)
	f.put("postgres vacuum settings", "db", 0.5)

	w := f.do(http.MethodPost, "/api/v1/contexts/retrieve", map[string]any{"text": "kubernetes pod crash loop backoff", "k": 1})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	res := decode[struct {
		Results []retrieval.Result `json:"results"`
	}](t, w)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "kubernetes pod crash loop backoff", res.Results[0].Entry.Content)
}

func TestRetrieve_DefaultK(t *testing.T) {
	f := newFixture(t, true, "")
	for i := range 8 {
		f.put(fmt.Sprintf("kubernetes pod crash loop backoff %d", i), "ops", 0.5)
	}

	w := f.do(http.MethodPost, "/api/v1/contexts/retrieve", map[string]any{"text": "kubernetes pod crash loop backoff"})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	res := decode[struct {
		Results []retrieval.Result `json:"results"`
	}](t, w)
	assert.Len(t, res.Results, store.DefaultK)
}

func TestRetrieve_WithoutEmbedderIsUnavailable(t *testing.T) {
	f := newFixture(t, false, "")
	w := f.do(http.MethodPost, "/api/v1/contexts/retrieve", map[string]any{"text": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestScreeningAndTier(t *testing.T) {
	f := newFixture(t, false, "")
	id := f.put("customer email is ops@example.com", "support", 0.5)

	w := f.do(http.MethodPut, "/api/v1/contexts/"+id+"/screening", map[string]any{
		"risk_level": "medium",
		"flags":      []string{"pii:email_address"},
		"confidence": 0.8,
	})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	got := decode[entry.ContextEntry](t, w)
	require.NotNil(t, got.Screening)
	assert.Equal(t, entry.RiskMedium, got.Screening.RiskLevel)
	assert.False(t, got.Screening.ScreenedAt.IsZero())

	w = f.do(http.MethodPut, "/api/v1/contexts/"+id+"/screening", map[string]any{"risk_level": "apocalyptic", "confidence": 0.8})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodPut, "/api/v1/contexts/"+id+"/tier", map[string]any{"tier": "long_term"})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.Equal(t, entry.TierLongTerm, decode[entry.ContextEntry](t, w).Tier)

	w = f.do(http.MethodPut, "/api/v1/contexts/missing/tier", map[string]any{"tier": "session"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsAndMaintenance(t *testing.T) {
	f := newFixture(t, true, "")
	f.put("a", "ops", 0.5)
	f.put("b", "ops", 0.5)

	w := f.do(http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[store.Stats](t, w)
	assert.Equal(t, 2, st.TotalCount)
	assert.Equal(t, int64(50), st.Capacity)
	assert.Equal(t, 2, st.TierCounts[entry.TierEpisodic])

	for _, path := range []string{"cleanup", "consolidate", "reindex"} {
		w := f.do(http.MethodPost, "/api/v1/maintenance/"+path, nil)
		assert.Equal(t, http.StatusOK, w.Code, "%s: %s", path, w.Body.String())
	}
	w = f.do(http.MethodPost, "/api/v1/maintenance/cleanup", nil)
	assert.Equal(t, 0, decode[struct {
		Count int `json:"count"`
	}](t, w).Count)
}

func TestTemporalStats(t *testing.T) {
	f := newFixture(t, false, "")
	w := f.do(http.MethodGet, "/api/v1/stats/temporal", nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	empty := decode[store.TemporalStats](t, w)
	assert.Nil(t, empty.OldestCreatedAt)
	assert.Zero(t, empty.MeanRecencyWeight)

	f.put("a", "ops", 0.5)
	f.put("b", "ops", 0.5)
	w = f.do(http.MethodGet, "/api/v1/stats/temporal", nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	st := decode[store.TemporalStats](t, w)
	require.NotNil(t, st.OldestCreatedAt)
	require.NotNil(t, st.NewestCreatedAt)
	assert.False(t, st.NewestCreatedAt.Before(*st.OldestCreatedAt))
	assert.Equal(t, 2, st.AgeBuckets[entry.TierEpisodic][store.AgeHour])
	assert.Equal(t, 0, st.AgeBuckets[entry.TierLongTerm][store.AgeOlder])
	assert.Equal(t, 0, st.Expired)
	assert.InDelta(t, 1.0, st.MeanRecencyWeight, 0.01)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, false, "")
	f.put("a", "ops", 0.5)

	w := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "context_store_entries")
}

func TestAuthToken(t *testing.T) {
	f := newFixture(t, false, "s3cret")
	f.put("a", "ops", 0.5)

	f.token = ""
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/v1/stats", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", nil).Code)
}

func TestOpenAPIDocument(t *testing.T) {
	f := newFixture(t, false, "")
	w := f.do(http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/v1/contexts/{id}")
}
