// Package teardown removes a tenant's object storage when the tenant unsubscribes.
//
// In separate mode the tenant's dedicated instance and binding are deleted through the
// provisioner and its cached client is dropped. In shared mode every object under the
// tenant's key prefix is deleted from the shared bucket. Single-tenant deployments have
// nothing to remove.
package teardown

import (
	"context"
	"log/slog"

	"github.com/service-tip-git/attachments/internal/metrics"
	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
	"github.com/service-tip-git/attachments/pkg/utils"
)

// Deprovisioner removes a tenant's dedicated object store.
type Deprovisioner interface {
	Deprovision(ctx context.Context, tenant string) error
}

// Forgetter drops a tenant's cached client.
type Forgetter interface {
	Forget(tenant string)
}

type mode int

const (
	modeNone mode = iota
	modeShared
	modeSeparate
)

// Sweeper deletes a tenant's storage.
type Sweeper struct {
	mode    mode
	store   types.ObjectStore
	prov    Deprovisioner
	cache   Forgetter
	logger  *slog.Logger
	metrics *metrics.Collector
}

// NewShared returns a sweeper that empties the tenant's prefix in store.
func NewShared(store types.ObjectStore, logger *slog.Logger, m *metrics.Collector) *Sweeper {
	return &Sweeper{mode: modeShared, store: store, logger: logger.With("component", "teardown"), metrics: m}
}

// NewSeparate returns a sweeper that deprovisions the tenant's dedicated instance. cache
// may be nil.
func NewSeparate(prov Deprovisioner, cache Forgetter, logger *slog.Logger, m *metrics.Collector) *Sweeper {
	return &Sweeper{mode: modeSeparate, prov: prov, cache: cache, logger: logger.With("component", "teardown"), metrics: m}
}

// NewNoop returns a sweeper for single-tenant deployments.
func NewNoop(logger *slog.Logger) *Sweeper {
	return &Sweeper{mode: modeNone, logger: logger.With("component", "teardown")}
}

// Sweep removes the storage of tenant and returns how many objects were deleted. In
// separate mode the count is zero; the whole bucket goes with the instance.
func (s *Sweeper) Sweep(ctx context.Context, tenant string) (int, error) {
	if tenant == "" {
		return 0, errors.NewError(errors.ErrCodeValidationFailed, "tenant id is required").
			WithComponent("teardown")
	}

	switch s.mode {
	case modeSeparate:
		if err := s.prov.Deprovision(ctx, tenant); err != nil {
			return 0, err
		}
		if s.cache != nil {
			s.cache.Forget(tenant)
		}
		return 0, nil
	case modeShared:
		return s.sweepPrefix(ctx, tenant)
	default:
		s.logger.Debug("Nothing to remove for tenant", "tenant", tenant)
		return 0, nil
	}
}

func (s *Sweeper) sweepPrefix(ctx context.Context, tenant string) (int, error) {
	prefix := utils.TenantPrefix(tenant)

	keys, err := s.store.ListKeys(ctx, prefix)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeStorageReadFailed, "failed to list tenant objects", err).
			WithComponent("teardown").
			WithContext("tenant", tenant).
			WithContext("bucket", s.store.Bucket())
	}
	if len(keys) == 0 {
		s.logger.Info("No objects found for tenant", "tenant", tenant, "bucket", s.store.Bucket())
		return 0, nil
	}

	deleted, err := s.store.DeleteKeys(ctx, keys)
	s.metrics.RecordTeardownDeleted(deleted)
	if err != nil {
		return deleted, errors.Wrap(errors.ErrCodeStorageDeleteFailed, "failed to delete tenant objects", err).
			WithComponent("teardown").
			WithContext("tenant", tenant).
			WithContext("bucket", s.store.Bucket()).
			WithDetail("deleted", deleted).
			WithDetail("found", len(keys))
	}
	s.logger.Info("Deleted tenant objects", "tenant", tenant, "bucket", s.store.Bucket(), "count", deleted)
	return deleted, nil
}

// OnUnsubscribe sweeps tenant, logging instead of returning any failure. It returns how
// many objects were deleted before any failure.
func (s *Sweeper) OnUnsubscribe(ctx context.Context, tenant string) int {
	deleted, err := s.Sweep(ctx, tenant)
	s.metrics.RecordProvisioning("unsubscribe", err)
	if err != nil {
		s.logger.Error("Error removing object storage for tenant", "tenant", tenant, "error", err)
	}
	return deleted
}
