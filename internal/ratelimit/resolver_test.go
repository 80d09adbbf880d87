package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/registry"
)

func testPlatform() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:                      true,
		DefaultRequestsPerWindow:     100,
		WindowSeconds:                60,
		BurstCapacity:                20,
		PlatformMaxRequestsPerWindow: 500,
		WebSocket: config.WebSocketRateLimits{
			Connection: config.WSVariantConfig{Enabled: true, RequestsPerWindow: 10, WindowSeconds: 60, BurstCapacity: 5},
			Message:    config.WSVariantConfig{Enabled: true, RequestsPerWindow: 300, WindowSeconds: 60, BurstCapacity: 50},
		},
	}
}

type stubLookup struct {
	svc   *registry.ServiceRegistration
	err   error
	calls int
}

func (s *stubLookup) GetService(ctx context.Context, id string) (*registry.ServiceRegistration, error) {
	s.calls++
	return s.svc, s.err
}

func matchFor(svc *registry.ServiceRegistration, ep *registry.EndpointConfig) registry.RouteLookupResult {
	return registry.RouteLookupResult{Match: &registry.RouteMatch{Service: svc, Endpoint: ep}}
}

func TestResolveHierarchy(t *testing.T) {
	r := NewResolver(testPlatform(), nil)

	tests := []struct {
		name     string
		service  *registry.RateLimitSpec
		endpoint *registry.RateLimitSpec
		want     EffectiveRateLimit
	}{
		{
			name: "platform defaults only",
			want: EffectiveRateLimit{100, 60, 20},
		},
		{
			name:    "service overrides requests",
			service: &registry.RateLimitSpec{RequestsPerWindow: 200},
			want:    EffectiveRateLimit{200, 60, 20},
		},
		{
			name:     "endpoint overrides service per field",
			service:  &registry.RateLimitSpec{RequestsPerWindow: 200, WindowSeconds: 30},
			endpoint: &registry.RateLimitSpec{RequestsPerWindow: 50},
			want:     EffectiveRateLimit{50, 30, 20},
		},
		{
			name:     "absent endpoint fields inherit",
			endpoint: &registry.RateLimitSpec{BurstCapacity: 99},
			want:     EffectiveRateLimit{100, 60, 99},
		},
		{
			name:    "clamped at platform max",
			service: &registry.RateLimitSpec{RequestsPerWindow: 9999},
			want:    EffectiveRateLimit{500, 60, 20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &registry.ServiceRegistration{ServiceID: "s", RateLimit: tt.service}
			ep := &registry.EndpointConfig{Path: "/x", RateLimit: tt.endpoint}
			got := r.Resolve(VariantHTTP, matchFor(svc, ep))
			if got != tt.want {
				t.Errorf("Resolve = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveWSVariants(t *testing.T) {
	r := NewResolver(testPlatform(), nil)

	svc := &registry.ServiceRegistration{
		ServiceID: "s",
		RateLimit: &registry.RateLimitSpec{
			RequestsPerWindow: 200, // HTTP-layer value must not leak into WS variants
			WSConnection:      &registry.RateLimitSpec{RequestsPerWindow: 3},
		},
	}
	ep := &registry.EndpointConfig{Path: "/ws"}

	conn := r.Resolve(VariantWSConnection, matchFor(svc, ep))
	if conn.RequestsPerWindow != 3 || conn.WindowSeconds != 60 || conn.BurstCapacity != 5 {
		t.Errorf("ws connection = %+v", conn)
	}

	msg := r.Resolve(VariantWSMessage, matchFor(svc, ep))
	if msg != (EffectiveRateLimit{300, 60, 50}) {
		t.Errorf("ws message = %+v, want platform defaults", msg)
	}
}

func TestResolveServiceOnly(t *testing.T) {
	r := NewResolver(testPlatform(), nil)
	svc := &registry.ServiceRegistration{
		ServiceID: "s",
		RateLimit: &registry.RateLimitSpec{RequestsPerWindow: 42},
	}
	got := r.Resolve(VariantHTTP, registry.RouteLookupResult{Service: svc})
	if got.RequestsPerWindow != 42 {
		t.Errorf("service-only resolve = %+v", got)
	}
}

func TestResolveByServiceID(t *testing.T) {
	svc := &registry.ServiceRegistration{
		ServiceID: "s",
		RateLimit: &registry.RateLimitSpec{RequestsPerWindow: 250},
	}
	lookup := &stubLookup{svc: svc}
	r := NewResolver(testPlatform(), lookup)

	got := r.ResolveByServiceID(context.Background(), VariantHTTP, "s")
	if got.RequestsPerWindow != 250 {
		t.Errorf("resolved = %+v", got)
	}

	// Lookup failure yields platform defaults.
	failing := &stubLookup{err: errors.New("repository down")}
	r = NewResolver(testPlatform(), failing)
	got = r.ResolveByServiceID(context.Background(), VariantHTTP, "s")
	if got != (EffectiveRateLimit{100, 60, 20}) {
		t.Errorf("fallback = %+v, want platform defaults", got)
	}
}
