package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/gwerrors"
	"github.com/mwistrand/aussie-sub005/internal/localcache"
	"github.com/mwistrand/aussie-sub005/internal/logging"
)

// Policy holds gateway-level guardrails enforced on registration.
type Policy struct {
	// AllowPublicDefault permits services to declare a PUBLIC default
	// visibility. When false such registrations are rejected.
	AllowPublicDefault bool
}

// Options configures a Registry.
type Options struct {
	Repository   ServiceRepository
	Policy       Policy
	CacheTTL     time.Duration
	CacheEntries int
	CacheJitter  float64
}

// serviceEntry is the compiled form of one service. The order field is the
// service's first-registration position and is kept across updates so route
// tie-breaks stay stable over re-registration.
type serviceEntry struct {
	order  int
	reg    *ServiceRegistration
	routes []*compiledRoute
}

// Registry owns the compiled-route index and the registration lifecycle.
// Reads take the read lock and see a consistent snapshot; writes recompile
// the owning service's routes under the write lock.
type Registry struct {
	repo   ServiceRepository
	policy Policy

	mu        sync.RWMutex
	services  map[string]*serviceEntry
	ordered   []*serviceEntry // sorted by order
	nextOrder int

	cache *localcache.Cache[string, *ServiceRegistration]
	stale atomic.Bool
}

// New creates a Registry over the given repository.
func New(opts Options) *Registry {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	entries := opts.CacheEntries
	if entries <= 0 {
		entries = 1024
	}
	return &Registry{
		repo:     opts.Repository,
		policy:   opts.Policy,
		services: make(map[string]*serviceEntry),
		cache: localcache.New[string, *ServiceRegistration](localcache.Config{
			MaxEntries: entries,
			TTL:        ttl,
			Jitter:     opts.CacheJitter,
		}),
	}
}

// Register validates, persists and indexes a registration. New
// registrations must carry version 1; updates must carry current+1.
// A nil claims value is an internal caller with full rights.
func (r *Registry) Register(ctx context.Context, reg *ServiceRegistration, claims *Claims) (*RegistrationResult, error) {
	if err := r.validateRegistration(reg); err != nil {
		return nil, err
	}

	current, err := r.repo.Get(ctx, reg.ServiceID)
	if err != nil && !errors.Is(err, ErrServiceMissing) {
		return nil, gwerrors.Wrap(err, 500, "Registry lookup failed")
	}
	creating := current == nil

	perm := PermServiceUpdate
	if creating {
		perm = PermServiceCreate
	}
	if !claims.HasPermission(perm) {
		return nil, gwerrors.ErrForbidden.WithDetail("Missing permission " + perm)
	}
	if permissionPolicyChanged(current, reg) && !claims.HasPermission(PermPermissionsWrite) {
		return nil, gwerrors.ErrForbidden.WithDetail("Missing permission " + PermPermissionsWrite)
	}

	// Compile before persisting so a bad pattern never reaches storage.
	routes, err := compileService(reg)
	if err != nil {
		return nil, gwerrors.ErrBadRequest.WithDetail(err.Error())
	}

	reg.UpdatedAt = time.Now()
	if err := r.repo.Save(ctx, reg); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			expected := int64(1)
			if current != nil {
				expected = current.Version + 1
			}
			return nil, gwerrors.ErrConflict.WithDetail(
				fmt.Sprintf("Version conflict: expected %d", expected))
		}
		return nil, gwerrors.Wrap(err, 500, "Registry write failed")
	}

	r.installService(reg, routes)
	r.cache.Remove(reg.ServiceID)

	logging.Info("service registered",
		zap.String("service_id", reg.ServiceID),
		zap.Int64("version", reg.Version),
		zap.Bool("created", creating))

	return &RegistrationResult{
		ServiceID: reg.ServiceID,
		Version:   reg.Version,
		Created:   creating,
	}, nil
}

// Unregister removes a service. Returns false when nothing was registered
// under the ID; a second Unregister is a no-op.
func (r *Registry) Unregister(ctx context.Context, serviceID string, claims *Claims) (bool, error) {
	if !claims.HasPermission(PermServiceDelete) {
		return false, gwerrors.ErrForbidden.WithDetail("Missing permission " + PermServiceDelete)
	}

	deleted, err := r.repo.Delete(ctx, serviceID)
	if err != nil {
		return false, gwerrors.Wrap(err, 500, "Registry delete failed")
	}

	r.mu.Lock()
	if e, ok := r.services[serviceID]; ok {
		delete(r.services, serviceID)
		for i, o := range r.ordered {
			if o == e {
				r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	r.cache.Remove(serviceID)

	if deleted {
		logging.Info("service unregistered", zap.String("service_id", serviceID))
	}
	return deleted, nil
}

// GetService returns a registration, cache-first. On miss it fetches from
// the repository and populates the cache.
func (r *Registry) GetService(ctx context.Context, serviceID string) (*ServiceRegistration, error) {
	if reg, ok := r.cache.Get(serviceID); ok {
		return reg, nil
	}

	reg, err := r.repo.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	r.cache.Set(serviceID, reg)
	return reg, nil
}

// FindRoute matches a normalized path and method against the compiled
// index and returns the first endpoint match. Candidates are visited in
// service registration order, then endpoint compile order.
func (r *Registry) FindRoute(path, method string) RouteLookupResult {
	normalized := NormalizePath(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.ordered {
		for _, cr := range e.routes {
			if vars, ok := cr.match(normalized, method); ok {
				target := normalized
				if cr.endpoint.PathRewrite != "" {
					target = RewritePath(cr.endpoint.PathRewrite, vars)
				}
				return RouteLookupResult{Match: &RouteMatch{
					Service:       cr.service,
					Endpoint:      cr.endpoint,
					TargetPath:    target,
					PathVariables: vars,
				}}
			}
		}
	}
	return RouteLookupResult{}
}

// FindRouteAsync behaves like FindRoute but first refreshes the index from
// the repository when it is known-stale (multi-instance deployments mark
// the index stale on remote writes).
func (r *Registry) FindRouteAsync(ctx context.Context, path, method string) (RouteLookupResult, error) {
	if r.stale.CompareAndSwap(true, false) {
		if err := r.Refresh(ctx); err != nil {
			r.stale.Store(true)
			return RouteLookupResult{}, err
		}
	}
	return r.FindRoute(path, method), nil
}

// FindService returns the indexed registration for a service ID, for
// pass-through dispatch. Falls back to the repository-backed cache so other
// instances' registrations are still reachable within the cache TTL.
func (r *Registry) FindService(ctx context.Context, serviceID string) (*ServiceRegistration, bool) {
	r.mu.RLock()
	e, ok := r.services[serviceID]
	r.mu.RUnlock()
	if ok {
		return e.reg, true
	}

	reg, err := r.GetService(ctx, serviceID)
	if err != nil {
		return nil, false
	}
	return reg, true
}

// MarkStale flags the compiled index for refresh on the next async lookup.
func (r *Registry) MarkStale() {
	r.stale.Store(true)
}

// Refresh reloads every registration from the repository and rebuilds the
// index. Existing services keep their order slot.
func (r *Registry) Refresh(ctx context.Context) error {
	regs, err := r.repo.List(ctx)
	if err != nil {
		return err
	}

	type compiled struct {
		reg    *ServiceRegistration
		routes []*compiledRoute
	}
	all := make([]compiled, 0, len(regs))
	for _, reg := range regs {
		routes, err := compileService(reg)
		if err != nil {
			logging.Warn("skipping service with invalid patterns during refresh",
				zap.String("service_id", reg.ServiceID), zap.Error(err))
			continue
		}
		all = append(all, compiled{reg, routes})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(all))
	for _, c := range all {
		seen[c.reg.ServiceID] = true
		if e, ok := r.services[c.reg.ServiceID]; ok {
			e.reg = c.reg
			e.routes = c.routes
			continue
		}
		e := &serviceEntry{order: r.nextOrder, reg: c.reg, routes: c.routes}
		r.nextOrder++
		r.services[c.reg.ServiceID] = e
		r.ordered = append(r.ordered, e)
	}
	for id, e := range r.services {
		if !seen[id] {
			delete(r.services, id)
			for i, o := range r.ordered {
				if o == e {
					r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
					break
				}
			}
		}
	}
	return nil
}

// Services returns a snapshot of all indexed registrations in order.
func (r *Registry) Services() []*ServiceRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceRegistration, len(r.ordered))
	for i, e := range r.ordered {
		out[i] = e.reg
	}
	return out
}

func (r *Registry) installService(reg *ServiceRegistration, routes []*compiledRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.services[reg.ServiceID]; ok {
		e.reg = reg
		e.routes = routes
		return
	}

	e := &serviceEntry{order: r.nextOrder, reg: reg, routes: routes}
	r.nextOrder++
	r.services[reg.ServiceID] = e
	r.ordered = append(r.ordered, e)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].order < r.ordered[j].order
	})
}

func compileService(reg *ServiceRegistration) ([]*compiledRoute, error) {
	routes := make([]*compiledRoute, 0, len(reg.Endpoints))
	for i := range reg.Endpoints {
		cr, err := compileEndpoint(reg, &reg.Endpoints[i])
		if err != nil {
			return nil, err
		}
		routes = append(routes, cr)
	}
	return routes, nil
}

func (r *Registry) validateRegistration(reg *ServiceRegistration) error {
	if reg.ServiceID == "" {
		return gwerrors.ErrBadRequest.WithDetail("serviceId is required")
	}
	if ReservedServiceIDs[strings.ToLower(reg.ServiceID)] {
		return gwerrors.ErrBadRequest.WithDetail(
			fmt.Sprintf("serviceId %q is reserved", reg.ServiceID))
	}

	u, err := url.Parse(reg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return gwerrors.ErrBadRequest.WithDetail("baseUrl must be an absolute http or https URL")
	}

	if reg.DefaultVisibility == VisibilityPublic && !r.policy.AllowPublicDefault {
		return gwerrors.ErrForbidden.WithDetail("PUBLIC default visibility is disabled by gateway policy")
	}

	seenPaths := make(map[string]bool, len(reg.Endpoints))
	for i := range reg.Endpoints {
		ep := &reg.Endpoints[i]
		if seenPaths[ep.Path] {
			return gwerrors.ErrBadRequest.WithDetail(
				fmt.Sprintf("duplicate endpoint path %q", ep.Path))
		}
		seenPaths[ep.Path] = true

		if err := ValidateRewrite(ep.Path, ep.PathRewrite); err != nil {
			return gwerrors.ErrBadRequest.WithDetail(err.Error())
		}
		if err := validateLimitSpec(ep.RateLimit); err != nil {
			return err
		}
	}

	return validateLimitSpec(reg.RateLimit)
}

func validateLimitSpec(spec *RateLimitSpec) error {
	if spec == nil {
		return nil
	}
	if spec.RequestsPerWindow < 0 || spec.WindowSeconds < 0 || spec.BurstCapacity < 0 {
		return gwerrors.ErrBadRequest.WithDetail("rate limit values must be positive")
	}
	if err := validateLimitSpec(spec.WSConnection); err != nil {
		return err
	}
	return validateLimitSpec(spec.WSMessage)
}

func permissionPolicyChanged(current, next *ServiceRegistration) bool {
	if current == nil {
		return len(next.PermissionPolicy) > 0
	}
	if len(current.PermissionPolicy) != len(next.PermissionPolicy) {
		return true
	}
	for op, roles := range next.PermissionPolicy {
		cur, ok := current.PermissionPolicy[op]
		if !ok || len(cur) != len(roles) {
			return true
		}
		for i := range roles {
			if cur[i] != roles[i] {
				return true
			}
		}
	}
	return false
}
