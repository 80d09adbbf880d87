// Package sampling resolves per-service trace sampling rates without
// blocking the span-start path.
package sampling

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/localcache"
	"github.com/mwistrand/aussie-sub005/internal/logging"
	"github.com/mwistrand/aussie-sub005/internal/metrics"
	"github.com/mwistrand/aussie-sub005/internal/registry"
)

// RateSource names the hierarchy layer that supplied a rate.
type RateSource string

const (
	SourcePlatform RateSource = "PLATFORM"
	SourceService  RateSource = "SERVICE"
	SourceEndpoint RateSource = "ENDPOINT"
)

// EffectiveSamplingRate is a resolved, clamped sampling probability.
type EffectiveSamplingRate struct {
	Rate   float64
	Source RateSource
}

// ConfigLookup is the slice of the registry the resolver needs.
type ConfigLookup interface {
	GetService(ctx context.Context, serviceID string) (*registry.ServiceRegistration, error)
}

// Resolver caches per-service sampling rates. The non-blocking lookup
// returns immediately on every call; misses answer with the platform
// default while a background populate fills the cache.
type Resolver struct {
	cfg     config.SamplingConfig
	lookup  ConfigLookup
	cache   *localcache.Cache[string, EffectiveSamplingRate]
	flights singleflight.Group
	metrics *metrics.Collector
}

// NewResolver creates a resolver over the registry-backed lookup.
func NewResolver(cfg config.SamplingConfig, lookup ConfigLookup, m *metrics.Collector) *Resolver {
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 5 * time.Second
	}
	ttl := cfg.Cache.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{
		cfg:    cfg,
		lookup: lookup,
		cache: localcache.New[string, EffectiveSamplingRate](localcache.Config{
			MaxEntries: cfg.Cache.MaxEntries,
			TTL:        ttl,
			Jitter:     cfg.Cache.JitterFactor,
		}),
		metrics: m,
	}
}

// Resolve walks the hierarchy for a matched route: endpoint rate, then
// service rate, then the platform default.
func (r *Resolver) Resolve(lookup registry.RouteLookupResult) EffectiveSamplingRate {
	if !r.cfg.Enabled {
		return r.platformDefault()
	}
	if m := lookup.Match; m != nil {
		if m.Endpoint != nil && m.Endpoint.SamplingRate != nil {
			return r.clamp(EffectiveSamplingRate{Rate: *m.Endpoint.SamplingRate, Source: SourceEndpoint})
		}
		if m.Service != nil && m.Service.SamplingRate != nil {
			return r.clamp(EffectiveSamplingRate{Rate: *m.Service.SamplingRate, Source: SourceService})
		}
	}
	if svc := lookup.Service; svc != nil && svc.SamplingRate != nil {
		return r.clamp(EffectiveSamplingRate{Rate: *svc.SamplingRate, Source: SourceService})
	}
	return r.platformDefault()
}

// ResolveByServiceIDNonBlocking returns the cached rate for serviceID,
// or the platform default on a miss. A miss also fires one background
// populate per service ID; concurrent misses share it.
func (r *Resolver) ResolveByServiceIDNonBlocking(serviceID string) EffectiveSamplingRate {
	// With hierarchy resolution switched off every service samples at
	// the platform default; no populate fires.
	if !r.cfg.Enabled || serviceID == "" || serviceID == "unknown" {
		return r.platformDefault()
	}
	if rate, ok := r.cache.Get(serviceID); ok {
		return rate
	}
	go r.populate(serviceID)
	if r.metrics != nil {
		r.metrics.RecordSamplingPlatformFallback()
	}
	return r.platformDefault()
}

// populate fetches the service rate with retries and installs it in the
// cache. The whole attempt is bounded by the configured lookup timeout.
func (r *Resolver) populate(serviceID string) {
	_, _, _ = r.flights.Do(serviceID, func() (any, error) {
		// A concurrent populate may have landed already.
		if rate, ok := r.cache.Get(serviceID); ok {
			return rate, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LookupTimeout)
		defer cancel()

		var svc *registry.ServiceRegistration
		policy := backoff.WithContext(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxElapsedTime(r.cfg.LookupTimeout),
		), ctx)
		err := backoff.Retry(func() error {
			var lerr error
			svc, lerr = r.lookup.GetService(ctx, serviceID)
			return lerr
		}, policy)
		if err != nil {
			if r.metrics != nil {
				r.metrics.RecordSamplingPopulateFailure()
			}
			logging.Warn("sampling rate populate failed",
				zap.String("service_id", serviceID), zap.Error(err))
			return nil, err
		}

		rate := r.platformDefault()
		if svc != nil && svc.SamplingRate != nil {
			rate = r.clamp(EffectiveSamplingRate{Rate: *svc.SamplingRate, Source: SourceService})
		}
		r.cache.Set(serviceID, rate)
		return rate, nil
	})
	r.flights.Forget(serviceID)
}

// Invalidate drops the cached rate for serviceID, forcing a re-populate
// on the next lookup. Used when a registration changes.
func (r *Resolver) Invalidate(serviceID string) {
	r.cache.Remove(serviceID)
}

func (r *Resolver) platformDefault() EffectiveSamplingRate {
	return r.clamp(EffectiveSamplingRate{Rate: r.cfg.DefaultRate, Source: SourcePlatform})
}

func (r *Resolver) clamp(rate EffectiveSamplingRate) EffectiveSamplingRate {
	if rate.Rate < r.cfg.MinimumRate {
		rate.Rate = r.cfg.MinimumRate
	}
	if rate.Rate > r.cfg.MaximumRate {
		rate.Rate = r.cfg.MaximumRate
	}
	return rate
}
