package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/config"
	"github.com/mwistrand/aussie-sub005/internal/logging"
)

// EtcdRepository persists registrations under a key prefix in etcd. The
// version CAS is enforced with an etcd transaction comparing the stored
// record's version field, so concurrent writers from multiple gateway
// instances linearize on etcd.
type EtcdRepository struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdRepository connects to etcd and returns the repository.
func NewEtcdRepository(cfg config.EtcdConfig) (*EtcdRepository, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/aussie/services/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &EtcdRepository{client: client, prefix: prefix}, nil
}

// Watch invokes onChange whenever a registration under the prefix is
// written or deleted, until ctx is cancelled. Callers pass the local
// index invalidation so remote writes are picked up on the next lookup.
func (r *EtcdRepository) Watch(ctx context.Context, onChange func()) {
	ch := r.client.Watch(ctx, r.prefix, clientv3.WithPrefix())
	for resp := range ch {
		if err := resp.Err(); err != nil {
			logging.Warn("etcd watch error", zap.Error(err))
			continue
		}
		if len(resp.Events) > 0 {
			onChange()
		}
	}
}

func (r *EtcdRepository) key(serviceID string) string {
	return r.prefix + serviceID
}

func (r *EtcdRepository) Get(ctx context.Context, serviceID string) (*ServiceRegistration, error) {
	resp, err := r.client.Get(ctx, r.key(serviceID))
	if err != nil {
		return nil, fmt.Errorf("etcd get %s: %w", serviceID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrServiceMissing
	}

	var reg ServiceRegistration
	if err := json.Unmarshal(resp.Kvs[0].Value, &reg); err != nil {
		return nil, fmt.Errorf("decoding registration %s: %w", serviceID, err)
	}
	return &reg, nil
}

func (r *EtcdRepository) List(ctx context.Context) ([]*ServiceRegistration, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list: %w", err)
	}

	out := make([]*ServiceRegistration, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var reg ServiceRegistration
		if err := json.Unmarshal(kv.Value, &reg); err != nil {
			return nil, fmt.Errorf("decoding registration %s: %w", string(kv.Key), err)
		}
		out = append(out, &reg)
	}
	return out, nil
}

func (r *EtcdRepository) Save(ctx context.Context, reg *ServiceRegistration) error {
	value, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encoding registration %s: %w", reg.ServiceID, err)
	}
	key := r.key(reg.ServiceID)

	if reg.Version == 1 {
		// Create: succeed only when the key does not exist yet.
		resp, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, string(value))).
			Commit()
		if err != nil {
			return fmt.Errorf("etcd create %s: %w", reg.ServiceID, err)
		}
		if !resp.Succeeded {
			return ErrVersionConflict
		}
		return nil
	}

	// Update: re-read, compare the stored version, and swap only if the
	// value is unchanged since the read.
	cur, err := r.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("etcd read %s: %w", reg.ServiceID, err)
	}
	if len(cur.Kvs) == 0 {
		return ErrVersionConflict
	}

	var stored ServiceRegistration
	if err := json.Unmarshal(cur.Kvs[0].Value, &stored); err != nil {
		return fmt.Errorf("decoding registration %s: %w", reg.ServiceID, err)
	}
	if stored.Version != reg.Version-1 {
		return ErrVersionConflict
	}

	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", cur.Kvs[0].ModRevision)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd update %s: %w", reg.ServiceID, err)
	}
	if !resp.Succeeded {
		return ErrVersionConflict
	}
	return nil
}

func (r *EtcdRepository) Delete(ctx context.Context, serviceID string) (bool, error) {
	resp, err := r.client.Delete(ctx, r.key(serviceID))
	if err != nil {
		return false, fmt.Errorf("etcd delete %s: %w", serviceID, err)
	}
	return resp.Deleted > 0, nil
}

// Close releases the etcd client.
func (r *EtcdRepository) Close() error {
	return r.client.Close()
}
