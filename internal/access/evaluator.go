// Package access evaluates caller allow-lists for PRIVATE endpoints.
package access

import (
	"net/netip"
	"strings"
	"time"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/localcache"
	"github.com/mwistrand/aussie-sub005/internal/registry"
)

// Decision is the outcome of an access check. Rule names the allow-list
// entry that admitted the caller, or the reason for denial.
type Decision struct {
	Allowed bool
	Rule    string
}

// Evaluator checks source IPs and hosts against service-level and global
// allow-lists. PUBLIC endpoints always admit. For PRIVATE endpoints a
// service that declares any restriction is authoritative; otherwise the
// global allow-list applies.
type Evaluator struct {
	global config.GlobalAccess

	// Parse results are cached because the same rule strings and source
	// addresses recur on every request.
	prefixes *localcache.Cache[string, netip.Prefix]
	addrs    *localcache.Cache[string, netip.Addr]
}

// NewEvaluator creates an evaluator with the given global allow-list.
func NewEvaluator(global config.GlobalAccess) *Evaluator {
	return &Evaluator{
		global:   global,
		prefixes: localcache.New[string, netip.Prefix](localcache.Config{MaxEntries: 4096, TTL: time.Hour}),
		addrs:    localcache.New[string, netip.Addr](localcache.Config{MaxEntries: 8192, TTL: 10 * time.Minute}),
	}
}

// Evaluate decides whether a caller identified by sourceIP and sourceHost
// may reach an endpoint of the given visibility.
func (e *Evaluator) Evaluate(vis registry.Visibility, svcAccess *registry.AccessConfig, sourceIP, sourceHost string) Decision {
	if vis == registry.VisibilityPublic {
		return Decision{Allowed: true, Rule: "public"}
	}

	ips, domains, subdomains := e.global.AllowedIPs, e.global.AllowedDomains, e.global.AllowedSubdomains
	if !svcAccess.Empty() {
		ips, domains, subdomains = svcAccess.AllowedIPs, svcAccess.AllowedDomains, svcAccess.AllowedSubdomains
	}

	if rule, ok := e.matchIP(sourceIP, ips); ok {
		return Decision{Allowed: true, Rule: rule}
	}
	if rule, ok := matchDomain(sourceHost, domains, subdomains); ok {
		return Decision{Allowed: true, Rule: rule}
	}
	return Decision{Rule: "no_matching_rule"}
}

// matchIP reports whether sourceIP falls inside any entry of the list.
// Entries are plain addresses or CIDR blocks. An unparseable source IP
// never matches.
func (e *Evaluator) matchIP(sourceIP string, list []string) (string, bool) {
	if len(list) == 0 || sourceIP == "" {
		return "", false
	}
	addr, ok := e.parseAddr(sourceIP)
	if !ok {
		return "", false
	}
	for _, entry := range list {
		prefix, ok := e.parsePrefix(entry)
		if !ok {
			continue
		}
		// Contains is same-family only: an IPv4 block never admits an
		// IPv6 source and vice versa.
		if prefix.Contains(addr) {
			return entry, true
		}
	}
	return "", false
}

func (e *Evaluator) parseAddr(s string) (netip.Addr, bool) {
	if addr, ok := e.addrs.Get(s); ok {
		return addr, addr.IsValid()
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		// Negative results are cached too so malformed headers do not
		// force a re-parse per request.
		e.addrs.Set(s, netip.Addr{})
		return netip.Addr{}, false
	}
	addr = addr.Unmap()
	e.addrs.Set(s, addr)
	return addr, true
}

func (e *Evaluator) parsePrefix(entry string) (netip.Prefix, bool) {
	if p, ok := e.prefixes.Get(entry); ok {
		return p, p.IsValid()
	}
	var p netip.Prefix
	if strings.Contains(entry, "/") {
		parsed, err := netip.ParsePrefix(entry)
		if err != nil {
			e.prefixes.Set(entry, netip.Prefix{})
			return netip.Prefix{}, false
		}
		p = parsed.Masked()
	} else {
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			e.prefixes.Set(entry, netip.Prefix{})
			return netip.Prefix{}, false
		}
		addr = addr.Unmap()
		p = netip.PrefixFrom(addr, addr.BitLen())
	}
	e.prefixes.Set(entry, p)
	return p, true
}

// matchDomain checks the caller host against exact-domain entries and
// subdomain patterns. Comparison is case-insensitive. A pattern
// "*.example.com" matches any host ending in ".example.com" but not the
// bare "example.com"; entries without the wildcard act as exact matches.
func matchDomain(host string, domains, subdomains []string) (string, bool) {
	if host == "" {
		return "", false
	}
	host = strings.ToLower(host)
	for _, d := range domains {
		if host == strings.ToLower(d) {
			return d, true
		}
	}
	for _, s := range subdomains {
		pattern := strings.ToLower(s)
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return s, true
			}
			continue
		}
		if host == pattern {
			return s, true
		}
	}
	return "", false
}
