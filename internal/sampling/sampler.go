package sampling

import (
	"math/rand/v2"
	"strings"
	"sync/atomic"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// globalResolver is a writable-once slot. The tracing SDK constructs
// samplers before the rest of the wiring, so the sampler reads the
// resolver through here instead of holding it at construction.
var globalResolver atomic.Pointer[Resolver]

// SetGlobalResolver installs the process-wide resolver. The first call
// wins; later calls are ignored.
func SetGlobalResolver(r *Resolver) bool {
	return globalResolver.CompareAndSwap(nil, r)
}

// reservedSegments are first path segments that never identify a
// backend service.
var reservedSegments = map[string]struct{}{
	"gateway": {},
	"admin":   {},
	"auth":    {},
	"q":       {},
}

// Sampler draws a per-service sampling decision at root-span start. The
// lookup is O(1) and never blocks: unknown services sample at the
// platform default while the rate cache fills in the background.
type Sampler struct {
	resolver *Resolver // nil falls back to the global slot
}

var _ sdktrace.Sampler = (*Sampler)(nil)

// NewSampler creates a sampler bound to r. Pass nil to read the
// resolver from the global slot on every decision.
func NewSampler(r *Resolver) *Sampler {
	return &Sampler{resolver: r}
}

// ParentBased wraps s so that non-root spans follow their parent's
// decision and only root spans consult the per-service rate.
func ParentBased(s sdktrace.Sampler) sdktrace.Sampler {
	return sdktrace.ParentBased(s)
}

// ShouldSample implements sdktrace.Sampler.
func (s *Sampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	psc := trace.SpanContextFromContext(p.ParentContext)

	resolver := s.resolver
	if resolver == nil {
		resolver = globalResolver.Load()
	}
	rate := 1.0
	if resolver != nil {
		rate = resolver.ResolveByServiceIDNonBlocking(ServiceIDFromParams(p)).Rate
	}

	decision := sdktrace.Drop
	if rate >= 1 || (rate > 0 && rand.Float64() < rate) {
		decision = sdktrace.RecordAndSample
	}
	return sdktrace.SamplingResult{
		Decision:   decision,
		Tracestate: psc.TraceState(),
	}
}

// Description implements sdktrace.Sampler.
func (s *Sampler) Description() string {
	return "ServiceRateSampler"
}

// ServiceIDFromParams extracts the target service ID from span
// attributes, trying http.route, url.path and http.target before
// falling back to the span name. Reserved first segments yield
// "unknown".
func ServiceIDFromParams(p sdktrace.SamplingParameters) string {
	var path string
	for _, key := range []string{"http.route", "url.path", "http.target"} {
		for _, attr := range p.Attributes {
			if string(attr.Key) == key && attr.Value.AsString() != "" {
				path = attr.Value.AsString()
				break
			}
		}
		if path != "" {
			break
		}
	}
	if path == "" {
		path = p.Name
	}
	return serviceIDFromPath(path)
}

func serviceIDFromPath(path string) string {
	// http.target may carry a query string.
	path, _, _ = strings.Cut(path, "?")
	path = strings.TrimPrefix(path, "/")
	segment, _, _ := strings.Cut(path, "/")
	if segment == "" {
		return "unknown"
	}
	if _, reserved := reservedSegments[segment]; reserved {
		return "unknown"
	}
	return segment
}
