package quota

import (
	"context"
	"sync"

	"github.com/nimasrn/message-dispatch/internal/model"
)

// TenantStore is the persistence contract the manager runs on. The gorm
// repository satisfies it in production; MemoryStore serves tests and
// single-node deployments.
type TenantStore interface {
	Get(ctx context.Context, id int64) (*model.Tenant, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error)
	Save(ctx context.Context, t *model.Tenant) error
	Create(ctx context.Context, t *model.Tenant) (*model.Tenant, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[int64]*model.Tenant
	byKey  map[string]int64
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[int64]*model.Tenant),
		byKey:  make(map[string]int64),
		nextID: 1,
	}
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, model.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[apiKey]
	if !ok {
		return nil, model.ErrInvalidAPIKey
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) Save(ctx context.Context, t *model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byID[t.ID]
	if !ok {
		return model.ErrTenantNotFound
	}
	if old.APIKey != t.APIKey {
		delete(s.byKey, old.APIKey)
		s.byKey[t.APIKey] = t.ID
	}
	cp := *t
	s.byID[t.ID] = &cp
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, t *model.Tenant) (*model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.nextID
		s.nextID++
	}
	cp := *t
	s.byID[cp.ID] = &cp
	s.byKey[cp.APIKey] = cp.ID
	out := cp
	return &out, nil
}
