package registry

import (
	"context"
	"errors"
	"sync"
)

// Repository errors. The registry maps these to client-visible statuses.
var (
	ErrVersionConflict = errors.New("registry: version conflict")
	ErrServiceMissing  = errors.New("registry: service not found")
)

// ServiceRepository persists service registrations. Implementations must
// make Save an atomic compare-and-set on Version: a new registration stores
// only when nothing exists, an update only when the stored version is
// exactly reg.Version-1.
type ServiceRepository interface {
	Get(ctx context.Context, serviceID string) (*ServiceRegistration, error)
	List(ctx context.Context) ([]*ServiceRegistration, error)
	Save(ctx context.Context, reg *ServiceRegistration) error
	Delete(ctx context.Context, serviceID string) (bool, error)
}

// MemoryRepository is a process-local repository. Writes are linearized by
// a single mutex, which also provides the CAS guarantee.
type MemoryRepository struct {
	mu       sync.RWMutex
	services map[string]*ServiceRegistration
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		services: make(map[string]*ServiceRegistration),
	}
}

func (r *MemoryRepository) Get(ctx context.Context, serviceID string) (*ServiceRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.services[serviceID]
	if !ok {
		return nil, ErrServiceMissing
	}
	return reg, nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]*ServiceRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceRegistration, 0, len(r.services))
	for _, reg := range r.services {
		out = append(out, reg)
	}
	return out, nil
}

func (r *MemoryRepository) Save(ctx context.Context, reg *ServiceRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.services[reg.ServiceID]
	switch {
	case !exists && reg.Version != 1:
		return ErrVersionConflict
	case exists && reg.Version != current.Version+1:
		return ErrVersionConflict
	}

	r.services[reg.ServiceID] = reg
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, serviceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[serviceID]; !ok {
		return false, nil
	}
	delete(r.services, serviceID)
	return true, nil
}
