// Package websocket enforces connection and message rate limits on
// WebSocket sessions. Frame proxying is the proxy client's business;
// this package only admits, counts and cleans up.
package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mwistrand/aussie-sub005/internal/metrics"
	"github.com/mwistrand/aussie-sub005/internal/ratelimit"
	"github.com/mwistrand/aussie-sub005/internal/registry"
)

// IsUpgrade reports whether r asks for a WebSocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Connection is one admitted WebSocket session.
type Connection struct {
	ID        string
	ClientID  string
	ServiceID string
	openedAt  time.Time

	guard *Guard
}

// Guard admits WebSocket connections against the ws_connection limit and
// meters messages against the ws_message limit.
type Guard struct {
	limiter ratelimit.Limiter
	limits  *ratelimit.Resolver
	metrics *metrics.Collector
}

// NewGuard creates a guard over the shared limiter and resolver.
func NewGuard(limiter ratelimit.Limiter, limits *ratelimit.Resolver, m *metrics.Collector) *Guard {
	return &Guard{limiter: limiter, limits: limits, metrics: m}
}

// Admit checks the connection limit for clientID against the matched
// route. On success it returns a Connection that must be closed when the
// session ends.
func (g *Guard) Admit(ctx context.Context, clientID string, lookup registry.RouteLookupResult) (*Connection, *ratelimit.Decision, error) {
	serviceID := lookup.ServiceID()
	if g.limits.Enabled(ratelimit.VariantWSConnection) {
		limit := g.limits.Resolve(ratelimit.VariantWSConnection, lookup)
		decision, err := g.limiter.CheckAndConsume(ctx, ratelimit.WSConnectionKey(clientID, serviceID), limit)
		if err == nil {
			if g.metrics != nil {
				g.metrics.RecordRateLimitCheck(serviceID, string(ratelimit.VariantWSConnection), decision.Allowed)
			}
			if !decision.Allowed {
				return nil, &decision, nil
			}
		}
		// Limiter errors fail open, as on the HTTP path.
	}

	conn := &Connection{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		ServiceID: serviceID,
		openedAt:  time.Now(),
		guard:     g,
	}
	if g.metrics != nil {
		g.metrics.RecordWSOpen(serviceID)
	}
	return conn, nil, nil
}

// CheckMessage meters one inbound message on the connection.
func (c *Connection) CheckMessage(ctx context.Context, lookup registry.RouteLookupResult) (ratelimit.Decision, error) {
	g := c.guard
	if !g.limits.Enabled(ratelimit.VariantWSMessage) {
		return ratelimit.Decision{Allowed: true}, nil
	}
	limit := g.limits.Resolve(ratelimit.VariantWSMessage, lookup)
	key := ratelimit.WSMessageKey(c.ClientID, c.ServiceID, c.ID)
	decision, err := g.limiter.CheckAndConsume(ctx, key, limit)
	if err != nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimitCheck(c.ServiceID, string(ratelimit.VariantWSMessage), decision.Allowed)
	}
	return decision, nil
}

// Close releases the session: per-connection message keys are removed
// and lifetime metrics recorded. Safe to call once per connection.
func (c *Connection) Close(ctx context.Context) {
	g := c.guard
	_ = g.limiter.CleanupConnection(ctx, c.ClientID, c.ServiceID, c.ID)
	if g.metrics != nil {
		g.metrics.RecordWSClose(c.ServiceID, time.Since(c.openedAt))
	}
}
