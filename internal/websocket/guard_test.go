package websocket

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/ratelimit"
	"github.com/mwistrand/aussie-sub005/internal/registry"
)

func wsPlatform() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:                  true,
		DefaultRequestsPerWindow: 100,
		WindowSeconds:            60,
		WebSocket: config.WebSocketRateLimits{
			Connection: config.WSVariantConfig{Enabled: true, RequestsPerWindow: 2, WindowSeconds: 60},
			Message:    config.WSVariantConfig{Enabled: true, RequestsPerWindow: 3, WindowSeconds: 60},
		},
	}
}

func wsLookup() registry.RouteLookupResult {
	return registry.RouteLookupResult{Match: &registry.RouteMatch{
		Service:  &registry.ServiceRegistration{ServiceID: "chat"},
		Endpoint: &registry.EndpointConfig{Path: "/ws", Type: registry.EndpointWebSocket},
	}}
}

func newGuard(t *testing.T) (*Guard, *ratelimit.LocalLimiter) {
	t.Helper()
	limiter := ratelimit.NewLocalLimiter()
	t.Cleanup(limiter.Close)
	return NewGuard(limiter, ratelimit.NewResolver(wsPlatform(), nil), nil), limiter
}

func TestIsUpgrade(t *testing.T) {
	r := httptest.NewRequest("GET", "/chat/ws", nil)
	if IsUpgrade(r) {
		t.Error("plain request flagged as upgrade")
	}
	r.Header.Set("Upgrade", "WebSocket")
	r.Header.Set("Connection", "keep-alive, Upgrade")
	if !IsUpgrade(r) {
		t.Error("upgrade request not detected")
	}
}

func TestAdmitEnforcesConnectionLimit(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	var conns []*Connection
	for i := 0; i < 2; i++ {
		conn, denied, err := g.Admit(ctx, "client-1", wsLookup())
		if err != nil || denied != nil {
			t.Fatalf("admit %d: conn=%v denied=%v err=%v", i, conn, denied, err)
		}
		conns = append(conns, conn)
	}

	_, denied, err := g.Admit(ctx, "client-1", wsLookup())
	if err != nil {
		t.Fatal(err)
	}
	if denied == nil || denied.Allowed {
		t.Fatal("third connection should be denied")
	}

	// Another client has its own budget.
	if _, denied, _ := g.Admit(ctx, "client-2", wsLookup()); denied != nil {
		t.Error("other client denied")
	}

	for _, c := range conns {
		c.Close(ctx)
	}
}

func TestMessageLimitAndCleanup(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	conn, denied, err := g.Admit(ctx, "client-1", wsLookup())
	if err != nil || denied != nil {
		t.Fatal("admit failed")
	}

	for i := 0; i < 3; i++ {
		d, err := conn.CheckMessage(ctx, wsLookup())
		if err != nil || !d.Allowed {
			t.Fatalf("message %d rejected", i)
		}
	}
	if d, _ := conn.CheckMessage(ctx, wsLookup()); d.Allowed {
		t.Fatal("fourth message should exceed the limit")
	}

	// Closing clears the per-connection message counters; a new
	// connection for the same client starts fresh.
	conn.Close(ctx)
	next, _, err := g.Admit(ctx, "client-1", wsLookup())
	if err != nil {
		t.Fatal(err)
	}
	if d, _ := next.CheckMessage(ctx, wsLookup()); !d.Allowed {
		t.Error("new connection should have a fresh message budget")
	}
	next.Close(ctx)
}
