package dispatch

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/ratelimit"
	"github.com/mwistrand/aussie-sub005/internal/registry"
	"github.com/mwistrand/aussie-sub005/internal/websocket"
)

func wsService() *registry.ServiceRegistration {
	return &registry.ServiceRegistration{
		ServiceID:         "chat",
		BaseURL:           "http://backend:7005",
		DefaultVisibility: registry.VisibilityPublic,
		Endpoints: []registry.EndpointConfig{
			{Path: "/ws", Methods: []string{"GET"}, Type: registry.EndpointWebSocket},
		},
	}
}

func TestWSUpgradeConnectionLimit(t *testing.T) {
	limiter := ratelimit.NewLocalLimiter()
	t.Cleanup(limiter.Close)

	reg := newRegistry(t, wsService())
	limits := ratelimit.NewResolver(config.RateLimitConfig{
		Enabled:                  true,
		DefaultRequestsPerWindow: 100,
		WindowSeconds:            60,
		WebSocket: config.WebSocketRateLimits{
			Connection: config.WSVariantConfig{Enabled: true, RequestsPerWindow: 1, WindowSeconds: 60},
		},
	}, reg)

	d := New(Options{
		Registry: reg,
		Proxy:    &stubProxy{status: 101},
		WS:       websocket.NewGuard(limiter, limits, nil),
	})

	upgrade := func() GatewayResult {
		r := httptest.NewRequest("GET", "http://gw.example.com/gateway/ws", nil)
		r.RemoteAddr = "198.51.100.9:40000"
		r.Header.Set("Upgrade", "websocket")
		r.Header.Set("Connection", "Upgrade")
		return d.DispatchGateway(context.Background(), r, "/ws")
	}

	if res := upgrade(); res.Kind != ResultSuccess {
		t.Fatalf("first upgrade: %v %s", res.Kind, res.Reason)
	}
	if res := upgrade(); res.Kind != ResultRateLimited {
		t.Fatalf("second upgrade: %v, want rate limited", res.Kind)
	}

	// A plain GET on the same endpoint is not a WS admission and uses the
	// HTTP budget.
	r := httptest.NewRequest("GET", "http://gw.example.com/gateway/ws", nil)
	r.RemoteAddr = "198.51.100.9:40000"
	if res := d.DispatchGateway(context.Background(), r, "/ws"); res.Kind != ResultSuccess {
		t.Fatalf("plain GET: %v", res.Kind)
	}
}
