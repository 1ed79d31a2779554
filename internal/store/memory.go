package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teresa-solution/integration-isolation-service/internal/model"
)

// MemoryStore is an IntegrationStore kept in process memory, for development
// without a database and for tests. Rows are copied in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*model.Integration
	keys map[model.Key]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[uuid.UUID]*model.Integration),
		keys: make(map[model.Key]uuid.UUID),
	}
}

func clone(in *model.Integration) *model.Integration {
	if in == nil {
		return nil
	}
	c := *in
	return &c
}

func (s *MemoryStore) FindActive(_ context.Context, tenantID string, ownerType model.OwnerType, ownerID, integrationType string) (*model.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[model.Key{TenantID: tenantID, OwnerType: ownerType, OwnerID: ownerID, IntegrationType: integrationType}]
	if !ok || !s.rows[id].IsActive {
		return nil, nil
	}
	return clone(s.rows[id]), nil
}

func (s *MemoryStore) GetByKey(_ context.Context, key model.Key) (*model.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[key]
	if !ok {
		return nil, nil
	}
	return clone(s.rows[id]), nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*model.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.rows[id]), nil
}

func (s *MemoryStore) Upsert(_ context.Context, in *model.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	in.UpdatedAt = now
	if id, ok := s.keys[in.Key()]; ok {
		in.ID = id
		in.ConnectedAt = s.rows[id].ConnectedAt
	} else {
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		in.ConnectedAt = now
		s.keys[in.Key()] = in.ID
	}
	s.rows[in.ID] = clone(in)
	return nil
}

func (s *MemoryStore) update(id uuid.UUID, fn func(row *model.Integration)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	fn(row)
	return nil
}

func (s *MemoryStore) UpdateTokens(_ context.Context, in *model.Integration) error {
	in.UpdatedAt = time.Now().UTC()
	return s.update(in.ID, func(row *model.Integration) {
		row.AccessTokenEnc = in.AccessTokenEnc
		row.RefreshTokenEnc = in.RefreshTokenEnc
		row.TokenExpiresAt = in.TokenExpiresAt
		row.LastSyncAt = in.LastSyncAt
		row.IsActive = in.IsActive
		row.UpdatedAt = in.UpdatedAt
	})
}

func (s *MemoryStore) Deactivate(_ context.Context, in *model.Integration) error {
	in.Deactivate()
	in.UpdatedAt = time.Now().UTC()
	return s.update(in.ID, func(row *model.Integration) {
		row.Deactivate()
		row.UpdatedAt = in.UpdatedAt
	})
}

func (s *MemoryStore) SetWorkerPID(_ context.Context, id uuid.UUID, pid *int) error {
	return s.update(id, func(row *model.Integration) {
		if pid == nil {
			row.WorkerPID = nil
			return
		}
		p := *pid
		row.WorkerPID = &p
	})
}

func (s *MemoryStore) ListActiveKeys(_ context.Context) ([]model.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []model.Key
	for _, row := range s.rows {
		if row.IsActive {
			keys = append(keys, row.Key())
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
