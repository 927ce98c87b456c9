package metadata

import (
	"context"
	"sort"
	"sync"

	"github.com/service-tip-git/attachments/pkg/types"
)

// MemoryStore is a process-local MetadataStore.
type MemoryStore struct {
	registry

	mu   sync.RWMutex
	rows map[tableKey]map[string]types.Attachment
}

// tableKey selects the rows of one tenant for one entity.
type tableKey struct {
	tenant string
	entity string
}

var _ types.MetadataStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store that accepts entities and their drafts.
func NewMemoryStore(entities ...string) *MemoryStore {
	s := &MemoryStore{rows: make(map[tableKey]map[string]types.Attachment)}
	s.register(entities...)
	return s
}

// RegisterEntity adds entities and their drafts variants.
func (s *MemoryStore) RegisterEntity(names ...string) { s.register(names...) }

func (s *MemoryStore) Get(ctx context.Context, tenant, entity, id string) (*types.Attachment, error) {
	if err := s.check(entity); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.rows[tableKey{tenant, entity}][id]
	if !ok {
		return nil, nil
	}
	return copyAttachment(a), nil
}

func (s *MemoryStore) Put(ctx context.Context, tenant, entity string, a types.Attachment) error {
	if err := s.check(entity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tableKey{tenant, entity}
	if s.rows[key] == nil {
		s.rows[key] = make(map[string]types.Attachment)
	}
	s.rows[key][a.ID] = *copyAttachment(a)
	return nil
}

func (s *MemoryStore) UpdateNote(ctx context.Context, tenant, entity, id, note string) error {
	if err := s.check(entity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tableKey{tenant, entity}
	a, ok := s.rows[key][id]
	if !ok {
		return notFound(tenant, entity, id)
	}
	a.Note = note
	s.rows[key][id] = a
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, tenant, entity, id string) error {
	if err := s.check(entity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows[tableKey{tenant, entity}], id)
	return nil
}

func (s *MemoryStore) URLs(ctx context.Context, tenant, entity string, filter types.Filter) ([]types.URLRef, error) {
	if err := s.check(entity); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	table := s.rows[tableKey{tenant, entity}]
	ids := make([]string, 0, len(table))
	for id, a := range table {
		if a.URL != "" && matches(a, filter) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	refs := make([]types.URLRef, len(ids))
	for i, id := range ids {
		refs[i] = types.URLRef{URL: table[id].URL}
	}
	return refs, nil
}

func copyAttachment(a types.Attachment) *types.Attachment {
	out := a
	if a.Fields != nil {
		out.Fields = make(map[string]string, len(a.Fields))
		for k, v := range a.Fields {
			out.Fields[k] = v
		}
	}
	return &out
}
