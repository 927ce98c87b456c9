// Package tenant resolves the object store client to use for a tenant.
//
// In single and shared mode every tenant resolves to the same store. In separate mode a
// tenant's store is built from its broker binding on first use and kept for the life of
// the process; entries are never evicted or refreshed. Concurrent first resolutions for
// one tenant share a single binding lookup, and a failed lookup is not cached.
package tenant

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/service-tip-git/attachments/internal/metrics"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
)

// Entry is a resolved tenant client. Entries are replaced, never mutated.
type Entry struct {
	TenantID string
	Store    types.ObjectStore
	Bucket   string
}

// CredentialSource looks up the object store credentials bound to a tenant.
type CredentialSource interface {
	BindingCredentials(ctx context.Context, tenant string) (*types.ObjectStoreCredentials, error)
}

// StoreFactory builds an object store client from credentials.
type StoreFactory func(ctx context.Context, creds types.ObjectStoreCredentials) (types.ObjectStore, error)

// Cache maps tenant ids to ready object store clients.
type Cache struct {
	static types.ObjectStore

	source  CredentialSource
	factory StoreFactory
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.RWMutex
	entries map[string]*Entry
	group   singleflight.Group
}

// NewStatic returns a cache that resolves every tenant to store.
func NewStatic(store types.ObjectStore) *Cache {
	return &Cache{static: store}
}

// NewSeparate returns a cache that resolves each tenant to its own bound store.
func NewSeparate(source CredentialSource, factory StoreFactory, logger *slog.Logger, m *metrics.Collector) *Cache {
	return &Cache{
		source:  source,
		factory: factory,
		logger:  logger.With("component", "tenant-cache"),
		metrics: m,
		entries: make(map[string]*Entry),
	}
}

// Resolve returns the client for tenant, populating the cache on first use. Lookup and
// client construction failures are returned as OBJECT_STORE_UNAVAILABLE.
func (c *Cache) Resolve(ctx context.Context, tenant string) (*Entry, error) {
	if c.static != nil {
		return &Entry{TenantID: tenant, Store: c.static, Bucket: c.static.Bucket()}, nil
	}

	c.mu.RLock()
	entry, ok := c.entries[tenant]
	c.mu.RUnlock()
	if ok {
		c.metrics.RecordCacheHit()
		return entry, nil
	}
	c.metrics.RecordCacheMiss()

	v, err, shared := c.group.Do(tenant, func() (interface{}, error) {
		// A caller that lost the race to an earlier flight finds the entry here.
		c.mu.RLock()
		entry, ok := c.entries[tenant]
		c.mu.RUnlock()
		if ok {
			return entry, nil
		}
		return c.populate(context.WithoutCancel(ctx), tenant)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Joined in-flight tenant resolution", "tenant", tenant)
	}
	return v.(*Entry), nil
}

func (c *Cache) populate(ctx context.Context, tenant string) (*Entry, error) {
	unavailable := func(msg string, err error) error {
		c.logger.Error(msg, "tenant", tenant, "error", err)
		return errors.Wrap(errors.ErrCodeObjectStoreUnavailable, msg, err).
			WithComponent("tenant-cache").
			WithContext("tenant", tenant)
	}

	creds, err := c.source.BindingCredentials(ctx, tenant)
	if err != nil {
		return nil, unavailable("failed to resolve object store binding", err)
	}
	store, err := c.factory(ctx, *creds)
	if err != nil {
		return nil, unavailable("failed to create object store client", err)
	}

	entry := &Entry{TenantID: tenant, Store: store, Bucket: store.Bucket()}
	c.mu.Lock()
	c.entries[tenant] = entry
	n := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetCachedTenants(n)
	c.logger.Info("Created object store client for tenant", "tenant", tenant, "bucket", entry.Bucket)
	return entry, nil
}

// Len returns the number of cached tenants. Static caches report zero.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Forget drops a tenant's entry; the next Resolve looks the binding up again. It is used
// after the tenant's instance is deprovisioned.
func (c *Cache) Forget(tenant string) {
	if c.static != nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, tenant)
	n := len(c.entries)
	c.mu.Unlock()
	c.metrics.SetCachedTenants(n)
}
