package adapter

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ParseTrustedProxies parses CIDRs (or bare addresses) into prefixes.
//
// Postcondition: Returns one prefix per entry, or an error naming the first bad entry.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

type proxyMatcher []netip.Prefix

func (m proxyMatcher) trusted(addr netip.Addr) bool {
	for _, p := range m {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientAddr returns the originating client address. Forwarding headers are
// honoured only when the direct peer is a trusted proxy; the right-most
// untrusted hop wins.
func clientAddr(r *http.Request, trusted proxyMatcher) string {
	remote, ok := remoteAddr(r)
	if !ok {
		return ""
	}
	if len(trusted) == 0 || !trusted.trusted(remote) {
		return remote.String()
	}

	hops := parseForwarded(r.Header.Get("Forwarded"))
	if len(hops) == 0 {
		hops = parseXForwardedFor(r.Header.Get("X-Forwarded-For"))
	}
	if len(hops) == 0 {
		return remote.String()
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !trusted.trusted(hops[i]) {
			return hops[i].String()
		}
	}
	return hops[0].String()
}

func remoteAddr(r *http.Request) (netip.Addr, bool) {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func parseForwarded(header string) []netip.Addr {
	var out []netip.Addr
	for _, element := range strings.Split(header, ",") {
		for _, pair := range strings.Split(element, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(k), "for") {
				continue
			}
			if addr, ok := parseHop(v); ok {
				out = append(out, addr)
			}
		}
	}
	return out
}

func parseXForwardedFor(header string) []netip.Addr {
	var out []netip.Addr
	for _, part := range strings.Split(header, ",") {
		if addr, ok := parseHop(part); ok {
			out = append(out, addr)
		}
	}
	return out
}

// parseHop accepts "1.2.3.4", "1.2.3.4:80", "[::1]:80" and quoted forms.
// Obfuscated identifiers and "unknown" are skipped.
func parseHop(v string) (netip.Addr, bool) {
	v = strings.Trim(strings.TrimSpace(v), `"`)
	if v == "" || strings.EqualFold(v, "unknown") {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(v); err == nil {
		return ap.Addr().Unmap(), true
	}
	v = strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}
