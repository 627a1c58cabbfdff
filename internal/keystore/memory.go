package keystore

import (
	"context"
	"sync"

	"codeberg.org/mutker/bmcctl/internal/errors"
)

type memoryStore struct {
	mu     sync.RWMutex
	values map[Key]string
}

// NewMemory returns a Store that lives only as long as the process.
func NewMemory() Store {
	return &memoryStore{values: make(map[Key]string)}
}

func (s *memoryStore) Get(_ context.Context, key Key) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return "", errors.New().WithData(ErrNotFound, key)
	}

	return value, nil
}

func (s *memoryStore) Set(_ context.Context, key Key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value

	return nil
}

func (s *memoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)

	return nil
}

func (s *memoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.values)

	return nil
}

func (*memoryStore) Close() error {
	return nil
}
