package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/logging"
	"github.com/mwistrand/aussie-sub005/internal/registry"
)

// SyncStaticServices registers or updates the services declared in the
// configuration file. One bad service does not block the others; admin-API
// registrations for other IDs are left untouched.
func SyncStaticServices(ctx context.Context, reg *registry.Registry, services []config.ServiceConfig) {
	for _, sc := range services {
		r := staticRegistration(sc)

		current, err := reg.GetService(ctx, r.ServiceID)
		switch {
		case err == nil:
			r.Version = current.Version + 1
		case errors.Is(err, registry.ErrServiceMissing):
			r.Version = 1
		default:
			logging.Error("static service lookup failed",
				zap.String("service_id", r.ServiceID), zap.Error(err))
			continue
		}

		if _, err := reg.Register(ctx, r, nil); err != nil {
			logging.Error("static service registration failed",
				zap.String("service_id", r.ServiceID), zap.Error(err))
		}
	}
}

// BindReload re-syncs static services whenever the config file changes.
func BindReload(w *config.Watcher, reg *registry.Registry) {
	w.OnChange(func(cfg *config.Config) {
		SyncStaticServices(context.Background(), reg, cfg.Services)
		logging.Info("static services re-synced", zap.Int("count", len(cfg.Services)))
	})
}

// staticRegistration converts a YAML service block into a registration.
func staticRegistration(sc config.ServiceConfig) *registry.ServiceRegistration {
	endpoints := make([]registry.EndpointConfig, 0, len(sc.Endpoints))
	for _, ep := range sc.Endpoints {
		endpoints = append(endpoints, registry.EndpointConfig{
			Path:         ep.Path,
			Methods:      ep.Methods,
			Visibility:   registry.Visibility(ep.Visibility),
			Type:         registry.EndpointType(ep.Type),
			AuthRequired: ep.AuthRequired,
			PathRewrite:  ep.PathRewrite,
			RateLimit:    limitSpec(ep.RateLimit),
			SamplingRate: ep.SamplingRate,
		})
	}
	return &registry.ServiceRegistration{
		ServiceID:           sc.ServiceID,
		DisplayName:         sc.DisplayName,
		BaseURL:             sc.BaseURL,
		Endpoints:           endpoints,
		DefaultVisibility:   registry.Visibility(sc.DefaultVisibility),
		DefaultAuthRequired: sc.DefaultAuthRequired,
		Access:              accessConfig(sc.Access),
		RateLimit:           limitSpec(sc.RateLimit),
		SamplingRate:        sc.SamplingRate,
	}
}

func accessConfig(a *config.ServiceAccessYAML) *registry.AccessConfig {
	if a == nil {
		return nil
	}
	return &registry.AccessConfig{
		AllowedIPs:        a.AllowedIPs,
		AllowedDomains:    a.AllowedDomains,
		AllowedSubdomains: a.AllowedSubdomains,
	}
}

func limitSpec(l *config.ServiceLimitYAML) *registry.RateLimitSpec {
	if l == nil {
		return nil
	}
	return &registry.RateLimitSpec{
		RequestsPerWindow: l.RequestsPerWindow,
		WindowSeconds:     l.WindowSeconds,
		BurstCapacity:     l.BurstCapacity,
	}
}
