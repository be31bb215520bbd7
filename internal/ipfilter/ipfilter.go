// Package ipfilter restricts HTTP endpoints to a list of client networks.
package ipfilter

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter allows requests from a fixed set of networks. A filter with no
// networks allows everyone. Forwarding headers are honored only when the
// connection comes from a trusted proxy.
type Filter struct {
	prefixes []netip.Prefix
	proxies  []netip.Prefix
	logger   *slog.Logger
}

// ParseEntry parses an IP or CIDR. A bare IP becomes a single-host prefix.
func ParseEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		return p.Masked(), nil
	}

	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP %q: %w", entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Validate reports the first entry that is neither an IP nor a CIDR
func Validate(entries []string) error {
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		if _, err := ParseEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

// New builds a filter for the given IPs and CIDRs. Invalid entries are
// logged and skipped.
func New(entries []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger}
	f.prefixes = parseEntries(entries, logger, "allowed_ips")
	return f
}

// TrustProxies sets the proxies whose X-Forwarded-For and X-Real-IP headers
// are believed. Invalid entries are logged and skipped.
func (f *Filter) TrustProxies(entries []string) *Filter {
	f.proxies = parseEntries(entries, f.logger, "trusted_proxies")
	return f
}

func parseEntries(entries []string, logger *slog.Logger, key string) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		p, err := ParseEntry(entry)
		if err != nil {
			logger.Warn("skipping "+key+" entry", "error", err)
			continue
		}
		out = append(out, p)
	}
	return out
}

func contains(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Enabled reports whether any network is configured
func (f *Filter) Enabled() bool {
	return f != nil && len(f.prefixes) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	if f == nil {
		return 0
	}
	return len(f.prefixes)
}

// IsAllowed reports whether addr falls in an allowed network
func (f *Filter) IsAllowed(addr netip.Addr) bool {
	if !f.Enabled() {
		return true
	}
	return contains(f.prefixes, addr)
}

// ClientIP returns the originating client address. The connection address is
// used unless it belongs to a trusted proxy; then X-Forwarded-For is walked
// from the right, skipping trusted hops, with X-Real-IP as the fallback.
func (f *Filter) ClientIP(r *http.Request) (netip.Addr, bool) {
	peer, ok := remoteAddr(r.RemoteAddr)
	if !ok {
		return netip.Addr{}, false
	}
	if f == nil || !contains(f.proxies, peer) {
		return peer, true
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = addr
			if !contains(f.proxies, addr) {
				break
			}
		}
		if client != peer {
			return client, true
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr, true
		}
	}

	return peer, true
}

func remoteAddr(s string) (netip.Addr, bool) {
	host := s
	if h, _, err := net.SplitHostPort(s); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// RealIP rewrites r.RemoteAddr to the client address resolved by ClientIP, so
// later handlers and logs see the same address the filter decides on.
func (f *Filter) RealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if addr, ok := f.ClientIP(r); ok && f != nil && len(f.proxies) > 0 {
			r.RemoteAddr = addr.String()
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware rejects requests from clients outside the allowed networks with 403
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		addr, ok := f.ClientIP(r)
		if !ok {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !f.IsAllowed(addr) {
			f.logger.Warn("access denied by IP filter", "ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
