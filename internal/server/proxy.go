// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Context MCP Contributors

package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	cmerr "github.com/tzervas/context-mcp/pkg/errors"
)

// parseTrustedProxies parses CIDR ranges. Blank entries are ignored; at least
// one range is required.
func parseTrustedProxies(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, cmerr.Errorf(cmerr.CodeServerConfigInvalid, "invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	if len(prefixes) == 0 {
		return nil, cmerr.New(cmerr.CodeServerConfigInvalid, "trusted proxies must contain at least one CIDR range")
	}
	return prefixes, nil
}

func trusts(trusted []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientFromHeaders returns the client address a trusted proxy reported:
// the leftmost X-Forwarded-For entry, else X-Real-IP.
func clientFromHeaders(r *http.Request) (netip.Addr, bool) {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		a, err := netip.ParseAddr(strings.TrimSpace(first))
		return a, err == nil
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		a, err := netip.ParseAddr(strings.TrimSpace(xri))
		return a, err == nil
	}
	return netip.Addr{}, false
}

// trustedProxyRealIP rewrites RemoteAddr from forwarding headers, but only
// for connections from a trusted proxy. Anyone else could spoof them.
func trustedProxyRealIP(trusted []netip.Prefix, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			peer, err := netip.ParseAddr(host)
			if err != nil || !trusts(trusted, peer) {
				next.ServeHTTP(w, r)
				return
			}
			if client, ok := clientFromHeaders(r); ok {
				r.RemoteAddr = netip.AddrPortFrom(client, 0).String()
			} else if r.Header.Get("X-Forwarded-For") != "" {
				log.Warn("invalid client address from trusted proxy", "peer", host)
			}
			next.ServeHTTP(w, r)
		})
	}
}
