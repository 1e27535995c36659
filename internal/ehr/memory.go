package ehr

import (
	"context"
	"sync"
	"time"

	"github.com/medvault/custody/pkg/types"
)

// MemoryStore is a process-local Store for development and tests
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*types.Record
	revisions map[string]*Revision
	locks     map[string]*sync.Mutex
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory record store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*types.Record),
		revisions: make(map[string]*Revision),
		locks:     make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

func (s *MemoryStore) Load(ctx context.Context, vaultID string) (*types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[vaultID]; ok {
		return record.Clone(), nil
	}
	return types.NewRecord(vaultID), nil
}

func (s *MemoryStore) Persist(ctx context.Context, vaultID string, record *types.Record, rev *Revision) error {
	if err := ctx.Err(); err != nil {
		return types.NewStorageError("persist cancelled", err)
	}

	stored := record.Clone()
	stored.VaultID = vaultID
	stored.UpdatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[vaultID] = stored
	if rev != nil {
		copied := *rev
		s.revisions[vaultID] = &copied
	}
	return nil
}

func (s *MemoryStore) WithPatientLock(ctx context.Context, vaultID string, fn func(ctx context.Context, records Records) error) error {
	lock := s.patientLock(vaultID)
	lock.Lock()
	defer lock.Unlock()
	return fn(ctx, s)
}

// Revision returns the last revision persisted for vaultID, or nil
func (s *MemoryStore) Revision(vaultID string) *Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revisions[vaultID]
}

func (s *MemoryStore) patientLock(vaultID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[vaultID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[vaultID] = lock
	}
	return lock
}
