// Package registry holds service registrations, compiles their endpoint
// patterns into a matchable route index, and answers route lookups for the
// dispatch path.
package registry

import "time"

// Visibility controls who may reach an endpoint.
type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// EndpointType distinguishes plain HTTP endpoints from WebSocket upgrades.
type EndpointType string

const (
	EndpointHTTP      EndpointType = "HTTP"
	EndpointWebSocket EndpointType = "WEBSOCKET"
)

// ReservedServiceIDs may not be registered; their path segments belong to
// the gateway itself.
var ReservedServiceIDs = map[string]bool{
	"admin":   true,
	"gateway": true,
	"q":       true,
}

// ServiceRegistration is the primary configured entity.
type ServiceRegistration struct {
	ServiceID           string              `json:"serviceId"`
	DisplayName         string              `json:"displayName"`
	BaseURL             string              `json:"baseUrl"`
	Endpoints           []EndpointConfig    `json:"endpoints"`
	DefaultVisibility   Visibility          `json:"defaultVisibility"`
	DefaultAuthRequired bool                `json:"defaultAuthRequired"`
	Access              *AccessConfig       `json:"accessConfig,omitempty"`
	RateLimit           *RateLimitSpec      `json:"rateLimitConfig,omitempty"`
	SamplingRate        *float64            `json:"samplingRate,omitempty"`
	PermissionPolicy    map[string][]string `json:"permissionPolicy,omitempty"`

	// Version is used for optimistic locking: new registrations must carry
	// 1, updates must carry current+1.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// EndpointConfig is one routable endpoint of a service.
type EndpointConfig struct {
	Path         string         `json:"path"`
	Methods      []string       `json:"methods"`
	Visibility   Visibility     `json:"visibility,omitempty"` // empty = inherit service default
	Type         EndpointType   `json:"type,omitempty"`
	AuthRequired *bool          `json:"authRequired,omitempty"` // nil = inherit service default
	PathRewrite  string         `json:"pathRewrite,omitempty"`
	RateLimit    *RateLimitSpec `json:"rateLimitConfig,omitempty"`
	SamplingRate *float64       `json:"samplingRate,omitempty"`
}

// EffectiveVisibility resolves the endpoint's visibility against the
// service default.
func (e *EndpointConfig) EffectiveVisibility(svc *ServiceRegistration) Visibility {
	if e.Visibility != "" {
		return e.Visibility
	}
	if svc.DefaultVisibility != "" {
		return svc.DefaultVisibility
	}
	return VisibilityPrivate
}

// EffectiveAuthRequired resolves the endpoint's auth flag against the
// service default.
func (e *EndpointConfig) EffectiveAuthRequired(svc *ServiceRegistration) bool {
	if e.AuthRequired != nil {
		return *e.AuthRequired
	}
	return svc.DefaultAuthRequired
}

// AccessConfig restricts callers of a service's PRIVATE endpoints. When any
// list is non-empty the service lists are authoritative and the global
// allow-list does not apply.
type AccessConfig struct {
	AllowedIPs        []string `json:"allowedIps,omitempty"`
	AllowedDomains    []string `json:"allowedDomains,omitempty"`
	AllowedSubdomains []string `json:"allowedSubdomains,omitempty"`
}

// Empty reports whether no restriction is declared.
func (a *AccessConfig) Empty() bool {
	return a == nil ||
		(len(a.AllowedIPs) == 0 && len(a.AllowedDomains) == 0 && len(a.AllowedSubdomains) == 0)
}

// RateLimitSpec is a service- or endpoint-level rate limit override. Zero
// fields inherit from the next lower layer.
type RateLimitSpec struct {
	RequestsPerWindow int `json:"requestsPerWindow,omitempty"`
	WindowSeconds     int `json:"windowSeconds,omitempty"`
	BurstCapacity     int `json:"burstCapacity,omitempty"`

	WSConnection *RateLimitSpec `json:"wsConnection,omitempty"`
	WSMessage    *RateLimitSpec `json:"wsMessage,omitempty"`
}

// RouteMatch is a successful endpoint match.
type RouteMatch struct {
	Service       *ServiceRegistration
	Endpoint      *EndpointConfig
	TargetPath    string
	PathVariables map[string]string
}

// RouteLookupResult is a tagged variant: a full RouteMatch, a service-only
// match (pass-through with no endpoint pattern hit), or none.
type RouteLookupResult struct {
	Match   *RouteMatch
	Service *ServiceRegistration
}

// IsMatch reports a full endpoint match.
func (r RouteLookupResult) IsMatch() bool { return r.Match != nil }

// IsServiceOnly reports a service-only match.
func (r RouteLookupResult) IsServiceOnly() bool { return r.Match == nil && r.Service != nil }

// IsNone reports no match at all.
func (r RouteLookupResult) IsNone() bool { return r.Match == nil && r.Service == nil }

// ServiceID returns the matched service's ID, or "" for none.
func (r RouteLookupResult) ServiceID() string {
	switch {
	case r.Match != nil:
		return r.Match.Service.ServiceID
	case r.Service != nil:
		return r.Service.ServiceID
	}
	return ""
}

// RegistrationResult reports the outcome of a successful Register call.
type RegistrationResult struct {
	ServiceID string `json:"serviceId"`
	Version   int64  `json:"version"`
	Created   bool   `json:"created"`
}

// Claims carries the caller's identity for admin operations. A nil *Claims
// means an internal caller (static configuration, tests) with full rights.
type Claims struct {
	Subject     string
	Permissions []string
}

// HasPermission reports whether the claims grant the named permission.
// A literal "*" grants everything (bootstrap key).
func (c *Claims) HasPermission(perm string) bool {
	if c == nil {
		return true
	}
	for _, p := range c.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// Admin operation permissions checked by the registry.
const (
	PermServiceCreate    = "service.config.create"
	PermServiceUpdate    = "service.config.update"
	PermServiceDelete    = "service.config.delete"
	PermPermissionsWrite = "service.permissions.write"
)
