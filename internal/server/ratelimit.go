// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package server

import (
	"cmp"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate per IP. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	// MaxVisitors caps how many client IPs are tracked. Defaults to 10000.
	MaxVisitors int
}

const (
	defaultMaxVisitors = 10000
	visitorStaleAfter  = 10 * time.Minute
	visitorSweepEvery  = 5 * time.Minute
)

// Validate checks the configuration and applies defaults.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond < 0 {
		return cmerr.Errorf(cmerr.CodeServerConfigInvalid,
			"rate limit requests per second must not be negative (got %g)", c.RequestsPerSecond)
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		return cmerr.Errorf(cmerr.CodeServerConfigInvalid,
			"rate limit burst must be positive when rate is set (got burst=%d, rate=%g)", c.Burst, c.RequestsPerSecond)
	}
	if c.MaxVisitors < 0 {
		return cmerr.Errorf(cmerr.CodeServerConfigInvalid,
			"rate limit max visitors must not be negative (got %d)", c.MaxVisitors)
	}
	if c.MaxVisitors == 0 {
		c.MaxVisitors = defaultMaxVisitors
	}
	return nil
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors holds one token bucket per client IP.
type visitors struct {
	mu    sync.Mutex
	cfg   RateLimitConfig
	byIP  map[string]*visitor
	log   *slog.Logger
	clock func() time.Time
}

func (v *visitors) allow(ip string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	vis, ok := v.byIP[ip]
	if !ok {
		vis = &visitor{limiter: rate.NewLimiter(rate.Limit(v.cfg.RequestsPerSecond), v.cfg.Burst)}
		v.byIP[ip] = vis
	}
	now := v.clock()
	vis.lastSeen = now
	return vis.limiter.AllowN(now, 1)
}

// sweep drops idle visitors, then the least recently seen ones beyond
// MaxVisitors.
func (v *visitors) sweep() {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock()
	type seen struct {
		ip string
		at time.Time
	}
	live := make([]seen, 0, len(v.byIP))
	for ip, vis := range v.byIP {
		if now.Sub(vis.lastSeen) > visitorStaleAfter {
			delete(v.byIP, ip)
			continue
		}
		live = append(live, seen{ip: ip, at: vis.lastSeen})
	}
	if v.cfg.MaxVisitors <= 0 || len(live) <= v.cfg.MaxVisitors {
		return
	}
	slices.SortFunc(live, func(a, b seen) int { return a.at.Compare(b.at) })
	evict := len(live) - v.cfg.MaxVisitors
	for _, s := range live[:evict] {
		delete(v.byIP, s.ip)
	}
	v.log.Warn("rate limiter visitor cap enforced", "evicted", evict, "max_visitors", v.cfg.MaxVisitors)
}

func (v *visitors) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byIP)
}

func newVisitors(cfg RateLimitConfig, log *slog.Logger) *visitors {
	return &visitors{
		cfg:   cfg,
		byIP:  make(map[string]*visitor),
		log:   log,
		clock: time.Now,
	}
}

// rateLimitMiddleware enforces per-IP limits. It passes everything through
// when the rate is zero. done stops the sweeper.
func rateLimitMiddleware(cfg RateLimitConfig, log *slog.Logger, done <-chan struct{}) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg.MaxVisitors = cmp.Or(cfg.MaxVisitors, defaultMaxVisitors)
	vs := newVisitors(cfg, log)

	go func() {
		ticker := time.NewTicker(visitorSweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				vs.sweep()
			case <-done:
				return
			}
		}
	}()

	return limitWith(vs)
}

func limitWith(vs *visitors) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Limit by IP, not by connection: ephemeral ports would otherwise
			// each get a bucket.
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !vs.allow(ip) {
				vs.log.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				if _, err := w.Write([]byte(`{"error":"rate limit exceeded"}`)); err != nil {
					vs.log.Warn("failed to write rate limit response", "error", err)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
