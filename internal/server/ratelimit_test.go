// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func hit(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// frozen returns a visitor set whose clock only moves when told to.
func frozen(cfg RateLimitConfig) (*visitors, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	vs := newVisitors(cfg, discard)
	vs.clock = func() time.Time { return now }
	return vs, &now
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	wrapped := rateLimitMiddleware(RateLimitConfig{Burst: 1}, discard, done)(okHandler())
	for range 100 {
		assert.Equal(t, http.StatusOK, hit(wrapped, "192.168.1.1:12345").Code)
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	vs, _ := frozen(RateLimitConfig{RequestsPerSecond: 10, Burst: 3})
	wrapped := limitWith(vs)(okHandler())

	for i := range 3 {
		assert.Equal(t, http.StatusOK, hit(wrapped, "192.168.1.1:12345").Code, "request %d should succeed", i)
	}
	w := hit(wrapped, "192.168.1.1:12345")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}

func TestRateLimit_PerIPIsolation(t *testing.T) {
	vs, _ := frozen(RateLimitConfig{RequestsPerSecond: 10, Burst: 2})
	wrapped := limitWith(vs)(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, hit(wrapped, "192.168.1.1:12345").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, hit(wrapped, "192.168.1.1:12345").Code)
	// Another port on the same IP shares the bucket.
	assert.Equal(t, http.StatusTooManyRequests, hit(wrapped, "192.168.1.1:23456").Code)

	for i := range 2 {
		assert.Equal(t, http.StatusOK, hit(wrapped, "192.168.1.2:12345").Code, "second IP request %d", i)
	}
}

func TestRateLimit_Refill(t *testing.T) {
	vs, now := frozen(RateLimitConfig{RequestsPerSecond: 10, Burst: 1})
	wrapped := limitWith(vs)(okHandler())

	require.Equal(t, http.StatusOK, hit(wrapped, "10.0.0.1:1").Code)
	require.Equal(t, http.StatusTooManyRequests, hit(wrapped, "10.0.0.1:1").Code)

	*now = now.Add(150 * time.Millisecond)
	assert.Equal(t, http.StatusOK, hit(wrapped, "10.0.0.1:1").Code)
}

func TestRateLimit_SweepDropsIdleAndCapsVisitors(t *testing.T) {
	vs, now := frozen(RateLimitConfig{RequestsPerSecond: 10, Burst: 5, MaxVisitors: 2})
	for i := range 3 {
		vs.allow(fmt.Sprintf("10.0.0.%d", i))
		*now = now.Add(time.Second)
	}
	vs.sweep()
	assert.Equal(t, 2, vs.len(), "oldest visitor evicted over the cap")

	*now = now.Add(visitorStaleAfter + time.Minute)
	vs.sweep()
	assert.Zero(t, vs.len())
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		wantErr bool
	}{
		{"disabled", RateLimitConfig{}, false},
		{"valid", RateLimitConfig{RequestsPerSecond: 5, Burst: 10}, false},
		{"zero burst with positive rate", RateLimitConfig{RequestsPerSecond: 5}, true},
		{"negative rate", RateLimitConfig{RequestsPerSecond: -1, Burst: 1}, true},
		{"negative max visitors", RateLimitConfig{MaxVisitors: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultMaxVisitors, cfg.MaxVisitors)
		})
	}
}
