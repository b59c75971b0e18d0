package securestore

import (
	"context"
	"sync"

	"github.com/smolin/medvault/internal/common"
)

// MemoryStore is an in-memory Store for tests. FailReads/FailWrites
// inject storage failures.
type MemoryStore struct {
	mu         sync.Mutex
	slots      map[string][]byte
	FailReads  bool
	FailWrites bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string][]byte)}
}

func (s *MemoryStore) Read(_ context.Context, slot string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads {
		return nil, common.ErrKeyStorage
	}
	v, ok := s.slots[slot]
	if !ok {
		return nil, common.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Write(_ context.Context, slot string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return common.ErrKeyStorage
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.slots[slot] = cp
	return nil
}
