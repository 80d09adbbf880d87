package dispatch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/access"
	"github.com/mwistrand/aussie-sub005/internal/logging"
	"github.com/mwistrand/aussie-sub005/internal/metrics"
	"github.com/mwistrand/aussie-sub005/internal/ratelimit"
	"github.com/mwistrand/aussie-sub005/internal/registry"
	"github.com/mwistrand/aussie-sub005/internal/routeauth"
	"github.com/mwistrand/aussie-sub005/internal/security"
	"github.com/mwistrand/aussie-sub005/internal/source"
	"github.com/mwistrand/aussie-sub005/internal/telemetry"
	"github.com/mwistrand/aussie-sub005/internal/websocket"
)

// maxProxiedBody caps how much of a backend response is buffered.
const maxProxiedBody = 32 << 20

// Dispatcher runs the admission pipeline and forwards admitted requests.
type Dispatcher struct {
	registry    *registry.Registry
	limiter     ratelimit.Limiter
	limits      *ratelimit.Resolver
	access      *access.Evaluator
	auth        *routeauth.Authenticator
	proxy       ProxyClient
	metrics     *metrics.Collector
	attribution *telemetry.Extractor
	monitor     *security.Monitor
	tracer      trace.Tracer
	annotator   *telemetry.Annotator
	ws          *websocket.Guard
}

// Options collects the dispatcher's collaborators. Limiter, metrics,
// attribution and monitor may be nil.
type Options struct {
	Registry    *registry.Registry
	Limiter     ratelimit.Limiter
	Limits      *ratelimit.Resolver
	Access      *access.Evaluator
	Auth        *routeauth.Authenticator
	Proxy       ProxyClient
	Metrics     *metrics.Collector
	Attribution *telemetry.Extractor
	Monitor     *security.Monitor
	Tracer      trace.Tracer
	Annotator   *telemetry.Annotator
	WS          *websocket.Guard
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		registry:    opts.Registry,
		limiter:     opts.Limiter,
		limits:      opts.Limits,
		access:      opts.Access,
		auth:        opts.Auth,
		proxy:       opts.Proxy,
		metrics:     opts.Metrics,
		attribution: opts.Attribution,
		monitor:     opts.Monitor,
		tracer:      opts.Tracer,
		annotator:   opts.Annotator,
		ws:          opts.WS,
	}
}

// DispatchGateway handles /gateway/{path}: the remainder must match a
// registered endpoint pattern.
func (d *Dispatcher) DispatchGateway(ctx context.Context, r *http.Request, remainder string) GatewayResult {
	lookup, err := d.registry.FindRouteAsync(ctx, remainder, r.Method)
	if err != nil {
		logging.Error("route refresh failed", zap.Error(err))
		lookup = d.registry.FindRoute(remainder, r.Method)
	}
	if !lookup.IsMatch() {
		return d.record(r, "", routeNotFound(), 0)
	}
	m := lookup.Match
	return d.forward(ctx, r, lookup, m.Service, m.Endpoint, m.TargetPath, false)
}

// DispatchPassThrough handles /{serviceId}/{remainder}: the backend is
// picked by service ID alone. Requests without a specifically matching
// endpoint get a synthesized catch-all carrying the service's defaults.
func (d *Dispatcher) DispatchPassThrough(ctx context.Context, r *http.Request) GatewayResult {
	serviceID, remainder := splitServiceID(r.URL.Path)
	if serviceID == "" {
		return d.record(r, "", routeNotFound(), 0)
	}
	if registry.ReservedServiceIDs[strings.ToLower(serviceID)] {
		return d.record(r, serviceID, reservedPath(serviceID), 0)
	}

	svc, ok := d.registry.FindService(ctx, serviceID)
	if !ok {
		return d.record(r, serviceID, serviceNotFound(serviceID), 0)
	}

	// Prefer a registered endpoint of this service over the catch-all.
	lookup := d.registry.FindRoute(r.URL.Path, r.Method)
	if m := lookup.Match; m != nil && m.Service.ServiceID == serviceID {
		// A declared endpoint keeps its own limit overlay.
		return d.forward(ctx, r, lookup, m.Service, m.Endpoint, m.TargetPath, false)
	}

	endpoint := catchAllEndpoint(svc)
	lookup = registry.RouteLookupResult{Match: &registry.RouteMatch{
		Service:    svc,
		Endpoint:   endpoint,
		TargetPath: remainder,
	}}
	return d.forward(ctx, r, lookup, svc, endpoint, remainder, true)
}

// catchAllEndpoint synthesizes the implicit pass-through endpoint. It is
// never persisted.
func catchAllEndpoint(svc *registry.ServiceRegistration) *registry.EndpointConfig {
	return &registry.EndpointConfig{
		Path:       "/**",
		Methods:    []string{"*"},
		Visibility: svc.DefaultVisibility,
	}
}

// forward runs rate limiting, access control and authentication, then
// proxies the request and records every terminating state. passThrough
// selects the service-ID limit resolution path.
func (d *Dispatcher) forward(ctx context.Context, r *http.Request, lookup registry.RouteLookupResult, svc *registry.ServiceRegistration, endpoint *registry.EndpointConfig, targetPath string, passThrough bool) GatewayResult {
	caller := source.FromRequest(r)
	serviceID := svc.ServiceID

	span := trace.SpanFromContext(ctx)
	if d.tracer != nil {
		// http.route carries the service ID as its first segment so the
		// sampler can resolve the per-service rate.
		ctx, span = d.tracer.Start(ctx, r.Method+" /"+serviceID+endpoint.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.route", "/"+serviceID+endpoint.Path)))
		defer span.End()
	}
	if d.annotator != nil {
		d.annotator.Route(span, serviceID, endpoint.Path)
		if d.attribution != nil {
			d.annotator.Attribution(span, d.attribution.Extract(r))
		}
	}

	if res, ok := d.checkRateLimit(ctx, r, lookup, caller, serviceID, span, passThrough); !ok {
		return d.record(r, serviceID, res, 0)
	}

	if d.access != nil {
		vis := endpoint.EffectiveVisibility(svc)
		decision := d.access.Evaluate(vis, svc.Access, caller.IP, caller.Host)
		if !decision.Allowed {
			if d.metrics != nil {
				d.metrics.RecordAccessDenied(serviceID, decision.Rule)
			}
			return d.record(r, serviceID, forbidden("Access denied"), 0)
		}
	}

	forwardToken := ""
	if d.auth != nil {
		authRes := d.auth.Authenticate(ctx, r, lookup.Match)
		switch authRes.Outcome {
		case routeauth.OutcomeDenied:
			if d.monitor != nil && authRes.Denial.Status == http.StatusUnauthorized {
				d.monitor.RecordAuthFailure(caller.IP, authRes.SessionID, serviceID)
			}
			return d.record(r, serviceID, denialResult(authRes.Denial.Status, authRes.Denial.Detail), 0)
		case routeauth.OutcomeAuthenticated:
			forwardToken = authRes.Token
			if d.annotator != nil {
				method := "bearer"
				if authRes.SessionID != "" {
					method = "session"
				}
				d.annotator.AuthMethod(span, method)
			}
		}
	}

	if d.ws != nil && endpoint.Type == registry.EndpointWebSocket && websocket.IsUpgrade(r) {
		conn, denied, err := d.ws.Admit(ctx, caller.IP, lookup)
		if err == nil && denied != nil {
			return d.record(r, serviceID, rateLimited(int(denied.RetryAfter.Seconds())), 0)
		}
		if conn != nil {
			// The session ends with the proxied upgrade exchange; frame
			// relay is the backend connection's business.
			defer conn.Close(ctx)
		}
	}

	out, err := buildProxyRequest(ctx, r, svc, targetPath, forwardToken, caller)
	if err != nil {
		logging.Error("proxy request build failed",
			zap.String("service_id", serviceID), zap.Error(err))
		return d.record(r, serviceID, upstreamError("Backend request could not be constructed"), 0)
	}

	start := time.Now()
	resp, err := d.proxy.Do(ctx, out)
	latency := time.Since(start)
	if d.annotator != nil {
		d.annotator.UpstreamLatency(span, latency)
	}
	if err != nil {
		span.SetStatus(codes.Error, "backend unreachable")
		logging.Warn("backend call failed",
			zap.String("service_id", serviceID), zap.Error(err))
		return d.record(r, serviceID, upstreamError("Backend unreachable"), latency)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProxiedBody))
	if err != nil {
		return d.record(r, serviceID, upstreamError("Backend response truncated"), latency)
	}
	return d.record(r, serviceID, success(resp.StatusCode, resp.Header, body), latency)
}

func (d *Dispatcher) checkRateLimit(ctx context.Context, r *http.Request, lookup registry.RouteLookupResult, caller source.Identity, serviceID string, span trace.Span, passThrough bool) (GatewayResult, bool) {
	if d.limiter == nil || d.limits == nil || !d.limits.Enabled(ratelimit.VariantHTTP) {
		return GatewayResult{}, true
	}
	var limit ratelimit.EffectiveRateLimit
	if passThrough {
		// Pass-through limits come from the service record via the
		// registry's TTL cache; a failed lookup falls back to platform
		// defaults.
		limit = d.limits.ResolveByServiceID(ctx, ratelimit.VariantHTTP, serviceID)
	} else {
		limit = d.limits.Resolve(ratelimit.VariantHTTP, lookup)
	}
	key := ratelimit.HTTPKey(caller.IP, serviceID)
	decision, err := d.limiter.CheckAndConsume(ctx, key, limit)
	if err != nil {
		// Fail-open: limiter backends already degrade internally, this
		// is the last line.
		logging.Warn("rate limit check failed", zap.Error(err))
		return GatewayResult{}, true
	}
	if d.metrics != nil {
		d.metrics.RecordRateLimitCheck(serviceID, string(ratelimit.VariantHTTP), decision.Allowed)
	}
	if d.annotator != nil {
		d.annotator.RateLimit(span, key, decision.Allowed)
	}
	if !decision.Allowed {
		return rateLimited(int(decision.RetryAfter.Seconds())), false
	}
	return GatewayResult{}, true
}

// record emits metrics, attribution and security signals for a
// terminal result, and returns it unchanged.
func (d *Dispatcher) record(r *http.Request, serviceID string, res GatewayResult, latency time.Duration) GatewayResult {
	status := res.HTTPStatus()
	if d.metrics != nil {
		d.metrics.RecordRequest(serviceID, r.Method, status)
		d.metrics.RecordResult(serviceID, res.outcome())
		if latency > 0 {
			d.metrics.RecordProxyLatency(serviceID, latency)
		}
		if d.attribution != nil {
			attr := d.attribution.Extract(r)
			in := r.ContentLength
			if in < 0 {
				in = 0
			}
			d.metrics.RecordTraffic(serviceID, attr.Team, attr.Tenant, attr.Environment, in, int64(len(res.Body)))
		}
	}
	if d.monitor != nil {
		d.monitor.RecordRequest(source.FromRequest(r).IP, serviceID, status >= 400)
	}
	return res
}

// denialResult maps an authentication denial onto the result variants.
func denialResult(status int, detail string) GatewayResult {
	switch status {
	case http.StatusBadRequest:
		return badRequest(detail)
	case http.StatusUnauthorized:
		return unauthorized(detail)
	case http.StatusForbidden:
		return forbidden(detail)
	default:
		return upstreamError(detail)
	}
}

// splitServiceID separates the first path segment from the remainder.
// The remainder always begins with "/".
func splitServiceID(path string) (string, string) {
	path = registry.NormalizePath(path)
	trimmed := strings.TrimPrefix(path, "/")
	serviceID, rest, found := strings.Cut(trimmed, "/")
	if !found {
		return serviceID, "/"
	}
	return serviceID, "/" + rest
}
