package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mwistrand/aussie-sub005/internal/registry"
	"github.com/mwistrand/aussie-sub005/internal/source"
)

// hopByHopHeaders never cross the proxy (RFC 9110 §7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// buildProxyRequest prepares the outbound request for a matched route:
// target URL from the service base and rewritten path, hop-by-hop
// headers stripped, Forwarded appended and the forward token injected.
func buildProxyRequest(ctx context.Context, inbound *http.Request, svc *registry.ServiceRegistration, targetPath, forwardToken string, caller source.Identity) (*http.Request, error) {
	base, err := url.Parse(svc.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url for %s: %w", svc.ServiceID, err)
	}
	target := *base
	target.Path = strings.TrimSuffix(target.Path, "/") + targetPath
	target.RawQuery = inbound.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, inbound.Method, target.String(), inbound.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = inbound.ContentLength

	out.Header = copyHeaders(inbound.Header)
	out.Header.Add("Forwarded", forwardedElement(inbound, caller))
	if forwardToken != "" {
		out.Header.Set("Authorization", "Bearer "+forwardToken)
	}
	return out, nil
}

// copyHeaders clones h without hop-by-hop headers, including any named
// by the Connection header.
func copyHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			out.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

// forwardedElement builds the RFC 7239 element describing this hop.
func forwardedElement(r *http.Request, caller source.Identity) string {
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	parts := make([]string, 0, 3)
	if caller.IP != "" {
		parts = append(parts, "for="+quoteForwarded(caller.IP))
	}
	parts = append(parts, "proto="+proto)
	if caller.Host != "" {
		parts = append(parts, "host="+quoteForwarded(caller.Host))
	}
	return strings.Join(parts, ";")
}

// quoteForwarded quotes values that need it, bracketing IPv6 literals.
func quoteForwarded(v string) string {
	if strings.Contains(v, ":") {
		return `"[` + v + `]"`
	}
	return v
}
