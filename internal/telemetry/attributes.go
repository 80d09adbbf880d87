// Package telemetry carries the span attribute vocabulary and traffic
// attribution extraction.
package telemetry

import (
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mwistrand/aussie-sub005/internal/config"
)

// Span attribute names. The set is fixed; per-attribute toggles control
// which of them are emitted.
const (
	AttrServiceID        = "aussie.service.id"
	AttrRoutePath        = "aussie.route.path"
	AttrUpstreamLatency  = "aussie.upstream.latency_ms"
	AttrRateLimitKey     = "aussie.rate_limit.key"
	AttrRateLimitAllowed = "aussie.rate_limit.allowed"
	AttrAuthMethod       = "aussie.auth.method"
	AttrTeam             = "aussie.attribution.team"
	AttrTenant           = "aussie.attribution.tenant"
	AttrClientApp        = "aussie.attribution.client_app"
	AttrEnvironment      = "aussie.attribution.environment"
)

// SpanAttributes controls which span attributes are emitted, to keep
// telemetry cardinality in check.
type SpanAttributes struct {
	ServiceID       bool
	RoutePath       bool
	UpstreamLatency bool
	RateLimit       bool
	AuthMethod      bool
	Attribution     bool
}

// DefaultSpanAttributes enables everything except the rate-limit key.
func DefaultSpanAttributes() SpanAttributes {
	return SpanAttributes{
		ServiceID:       true,
		RoutePath:       true,
		UpstreamLatency: true,
		AuthMethod:      true,
		Attribution:     true,
	}
}

// Annotator writes request facts onto the active span.
type Annotator struct {
	toggles SpanAttributes
}

// NewAnnotator creates an Annotator with the given toggles.
func NewAnnotator(toggles SpanAttributes) *Annotator {
	return &Annotator{toggles: toggles}
}

// Route records the matched service and route on span.
func (a *Annotator) Route(span trace.Span, serviceID, routePath string) {
	if a.toggles.ServiceID {
		span.SetAttributes(attribute.String(AttrServiceID, serviceID))
	}
	if a.toggles.RoutePath {
		span.SetAttributes(attribute.String(AttrRoutePath, routePath))
	}
}

// UpstreamLatency records the proxy round-trip on span.
func (a *Annotator) UpstreamLatency(span trace.Span, d time.Duration) {
	if a.toggles.UpstreamLatency {
		span.SetAttributes(attribute.Int64(AttrUpstreamLatency, d.Milliseconds()))
	}
}

// RateLimit records the rate-limit verdict on span.
func (a *Annotator) RateLimit(span trace.Span, key string, allowed bool) {
	if a.toggles.RateLimit {
		span.SetAttributes(
			attribute.String(AttrRateLimitKey, key),
			attribute.Bool(AttrRateLimitAllowed, allowed),
		)
	}
}

// AuthMethod records how the request authenticated.
func (a *Annotator) AuthMethod(span trace.Span, method string) {
	if a.toggles.AuthMethod {
		span.SetAttributes(attribute.String(AttrAuthMethod, method))
	}
}

// Attribution records team, tenant and client application.
func (a *Annotator) Attribution(span trace.Span, attr Attribution) {
	if a.toggles.Attribution {
		span.SetAttributes(
			attribute.String(AttrTeam, attr.Team),
			attribute.String(AttrTenant, attr.Tenant),
			attribute.String(AttrClientApp, attr.ClientApp),
			attribute.String(AttrEnvironment, attr.Environment),
		)
	}
}

// Attribution identifies who a request was for. Missing headers yield
// "unknown".
type Attribution struct {
	Team        string
	Tenant      string
	ClientApp   string
	Environment string
}

// Extractor reads attribution headers named by configuration.
type Extractor struct {
	cfg         config.AttributionConfig
	environment string
}

// NewExtractor resolves the environment once, from the configured
// process environment variable.
func NewExtractor(cfg config.AttributionConfig) *Extractor {
	env := "unknown"
	if cfg.EnvironmentVar != "" {
		if v := os.Getenv(cfg.EnvironmentVar); v != "" {
			env = v
		}
	}
	return &Extractor{cfg: cfg, environment: env}
}

// Extract pulls attribution from request headers. A disabled extractor
// reports every dimension as unknown.
func (e *Extractor) Extract(r *http.Request) Attribution {
	if !e.cfg.Enabled {
		return Attribution{Team: "unknown", Tenant: "unknown", ClientApp: "unknown", Environment: "unknown"}
	}
	return Attribution{
		Team:        headerOrUnknown(r, e.cfg.TeamHeader),
		Tenant:      headerOrUnknown(r, e.cfg.TenantHeader),
		ClientApp:   headerOrUnknown(r, e.cfg.ClientAppHeader),
		Environment: e.environment,
	}
}

func headerOrUnknown(r *http.Request, name string) string {
	if name == "" {
		return "unknown"
	}
	if v := r.Header.Get(name); v != "" {
		return v
	}
	return "unknown"
}
