package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryStore struct {
	mu      sync.Mutex
	entries map[common.Address]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[common.Address]Entry)}
}

func (s *MemoryStore) SetDepositBox(_ context.Context, token, box common.Address) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[token]
	e.Token = token
	e.DepositBox = box
	s.entries[token] = e
	return nil
}

func (s *MemoryStore) SetMirror(_ context.Context, token, l2Token common.Address) error {
	if s == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[token]
	e.Token = token
	e.L2Mirror = l2Token
	s.entries[token] = e
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, token common.Address) (Entry, error) {
	if s == nil {
		return Entry{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok {
		return Entry{Token: token}, nil
	}
	return e, nil
}
