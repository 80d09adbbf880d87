package ratelimit

import (
	"context"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/logging"
	"github.com/mwistrand/aussie-sub005/internal/metrics"
	"github.com/mwistrand/aussie-sub005/internal/registry"
)

// Variant selects which limit family to resolve.
type Variant string

const (
	VariantHTTP         Variant = "http"
	VariantWSConnection Variant = "ws_connection"
	VariantWSMessage    Variant = "ws_message"
)

// ServiceLookup is the slice of the registry the resolver needs.
type ServiceLookup interface {
	GetService(ctx context.Context, serviceID string) (*registry.ServiceRegistration, error)
}

// Resolver produces EffectiveRateLimit values by overlaying platform
// defaults, service config and endpoint config, clamped at the platform
// maximum.
type Resolver struct {
	platform config.RateLimitConfig
	services ServiceLookup
	metrics  *metrics.Collector
}

// NewResolver creates a resolver over platform defaults.
func NewResolver(platform config.RateLimitConfig, services ServiceLookup) *Resolver {
	return &Resolver{platform: platform, services: services}
}

// SetMetrics attaches a collector for fallback accounting.
func (r *Resolver) SetMetrics(m *metrics.Collector) { r.metrics = m }

// platformDefault returns the platform-level limit for a variant.
func (r *Resolver) platformDefault(v Variant) EffectiveRateLimit {
	switch v {
	case VariantWSConnection:
		ws := r.platform.WebSocket.Connection
		return EffectiveRateLimit{ws.RequestsPerWindow, ws.WindowSeconds, ws.BurstCapacity}
	case VariantWSMessage:
		ws := r.platform.WebSocket.Message
		return EffectiveRateLimit{ws.RequestsPerWindow, ws.WindowSeconds, ws.BurstCapacity}
	default:
		return EffectiveRateLimit{
			r.platform.DefaultRequestsPerWindow,
			r.platform.WindowSeconds,
			r.platform.BurstCapacity,
		}
	}
}

// Resolve computes the effective limit for a route lookup result. For a
// service-only match only the service layer applies; for a full match the
// endpoint layer overlays it.
func (r *Resolver) Resolve(v Variant, lookup registry.RouteLookupResult) EffectiveRateLimit {
	limit := r.platformDefault(v)

	switch {
	case lookup.IsMatch():
		limit = overlay(limit, specForVariant(v, lookup.Match.Service.RateLimit))
		limit = overlay(limit, specForVariant(v, lookup.Match.Endpoint.RateLimit))
	case lookup.IsServiceOnly():
		limit = overlay(limit, specForVariant(v, lookup.Service.RateLimit))
	}

	return r.clamp(limit)
}

// ResolveByServiceID resolves a pass-through limit from the service ID
// alone, via the registry's TTL cache. A lookup failure yields platform
// defaults and records the incident.
func (r *Resolver) ResolveByServiceID(ctx context.Context, v Variant, serviceID string) EffectiveRateLimit {
	limit := r.platformDefault(v)

	svc, err := r.services.GetService(ctx, serviceID)
	if err != nil {
		logging.Warn("rate limit resolution falling back to platform defaults",
			zap.String("service_id", serviceID), zap.Error(err))
		if r.metrics != nil {
			r.metrics.RecordRateLimitFallback()
		}
		return r.clamp(limit)
	}

	limit = overlay(limit, specForVariant(v, svc.RateLimit))
	return r.clamp(limit)
}

// clamp caps requestsPerWindow at the platform maximum.
func (r *Resolver) clamp(limit EffectiveRateLimit) EffectiveRateLimit {
	if max := r.platform.PlatformMaxRequestsPerWindow; max > 0 && limit.RequestsPerWindow > max {
		limit.RequestsPerWindow = max
	}
	return limit
}

// specForVariant picks the sub-spec for WS variants; the HTTP variant uses
// the spec directly.
func specForVariant(v Variant, spec *registry.RateLimitSpec) *registry.RateLimitSpec {
	if spec == nil {
		return nil
	}
	switch v {
	case VariantWSConnection:
		return spec.WSConnection
	case VariantWSMessage:
		return spec.WSMessage
	default:
		return spec
	}
}

// overlay merges a higher-priority spec over a base limit, per field; an
// absent (zero) field inherits.
func overlay(base EffectiveRateLimit, spec *registry.RateLimitSpec) EffectiveRateLimit {
	if spec == nil {
		return base
	}
	if spec.RequestsPerWindow > 0 {
		base.RequestsPerWindow = spec.RequestsPerWindow
	}
	if spec.WindowSeconds > 0 {
		base.WindowSeconds = spec.WindowSeconds
	}
	if spec.BurstCapacity > 0 {
		base.BurstCapacity = spec.BurstCapacity
	}
	return base
}

// Enabled reports whether the variant's limiting is switched on.
func (r *Resolver) Enabled(v Variant) bool {
	if !r.platform.Enabled {
		return false
	}
	switch v {
	case VariantWSConnection:
		return r.platform.WebSocket.Connection.Enabled
	case VariantWSMessage:
		return r.platform.WebSocket.Message.Enabled
	default:
		return true
	}
}
