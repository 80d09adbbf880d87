// Package source extracts the caller's IP and host from an inbound request,
// honoring the usual proxy headers.
package source

import (
	"net"
	"net/http"
	"strings"
)

// Identity is the caller as seen through any intermediate proxies.
type Identity struct {
	IP   string
	Host string
}

// FromRequest resolves the caller identity. The IP is taken from, in
// priority order: the first hop of X-Forwarded-For, the for= pair of an
// RFC 7239 Forwarded header, X-Real-IP, then the connection peer. The
// host comes from X-Forwarded-Host, the host= pair of Forwarded, then
// the request Host, with any port stripped.
func FromRequest(r *http.Request) Identity {
	return Identity{IP: extractIP(r), Host: extractHost(r)}
}

func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if v := forwardedPair(r.Header.Get("Forwarded"), "for"); v != "" {
		return stripPort(v)
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func extractHost(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); v != "" {
		first, _, _ := strings.Cut(v, ",")
		return stripPort(strings.TrimSpace(first))
	}
	if v := forwardedPair(r.Header.Get("Forwarded"), "host"); v != "" {
		return stripPort(v)
	}
	return stripPort(r.Host)
}

// forwardedPair pulls one parameter out of the first element of an
// RFC 7239 Forwarded header. Quotes and the IPv6 bracket notation are
// removed; the directive name is case-insensitive.
func forwardedPair(header, name string) string {
	if header == "" {
		return ""
	}
	first, _, _ := strings.Cut(header, ",")
	for _, pair := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), name) {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		if v == "" || v == "unknown" || strings.HasPrefix(v, "_") {
			return ""
		}
		return v
	}
	return ""
}

// stripPort drops a trailing :port and IPv6 brackets. Values without a
// port pass through unchanged.
func stripPort(s string) string {
	if s == "" {
		return s
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return strings.Trim(s, "[]")
}
