// Package metadata stores attachment metadata rows keyed by tenant, entity name and ID.
package metadata

import (
	"fmt"
	"sort"
	"sync"

	"github.com/service-tip-git/attachments/pkg/errors"
	"github.com/service-tip-git/attachments/pkg/types"
)

// DraftsSuffix is appended to an entity name to get its drafts entity.
const DraftsSuffix = ".drafts"

// registry tracks the known attachment entities.
type registry struct {
	mu       sync.RWMutex
	entities map[string]struct{}
}

// register adds each entity and its drafts variant.
func (r *registry) register(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entities == nil {
		r.entities = make(map[string]struct{})
	}
	for _, name := range names {
		r.entities[name] = struct{}{}
		r.entities[name+DraftsSuffix] = struct{}{}
	}
}

func (r *registry) HasEntity(entity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[entity]
	return ok
}

// Entities returns the registered entity names in order.
func (r *registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entities))
	for name := range r.entities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *registry) check(entity string) error {
	if !r.HasEntity(entity) {
		return errors.NewError(errors.ErrCodeValidationFailed, fmt.Sprintf("unknown attachment entity %q", entity)).
			WithComponent("metadata").
			WithTarget(entity)
	}
	return nil
}

func notFound(tenant, entity, id string) error {
	return errors.NewError(errors.ErrCodeObjectNotFound, fmt.Sprintf("attachment %s not found in %s", id, entity)).
		WithComponent("metadata").
		WithTarget(entity).
		WithContext("tenant", tenant).
		WithContext("id", id)
}

func matches(a types.Attachment, filter types.Filter) bool {
	if filter.UpID != "" && a.UpID != filter.UpID {
		return false
	}
	if len(filter.IDs) == 0 {
		return true
	}
	for _, id := range filter.IDs {
		if id == a.ID {
			return true
		}
	}
	return false
}
