// Package storage provides durable state for stateful circuit operators:
// an object-key store abstraction, per-operator spines addressed by
// persistent id, and whole-circuit checkpoints.
package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound reports a missing object key.
var ErrNotFound = errors.New("object not found")

// ErrCorrupt reports checkpointed state that cannot be decoded. It is kept
// distinct from I/O failures so callers can decide to rebuild from scratch
// instead of resuming.
var ErrCorrupt = errors.New("corrupt state")

// ObjectStore is the storage backend contract: object-key get/put/list plus
// prefix scans, sufficient to implement a spine and a checkpoint manifest.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Put stores value under key, overwriting any previous value.
	Put(key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// List returns all keys with the given prefix in lexicographic order.
	List(prefix string) ([]string, error)
	// Scan calls fn for every key/value with the given prefix in
	// lexicographic key order. A non-nil error from fn aborts the scan.
	Scan(prefix string, fn func(key string, value []byte) error) error
	// Close releases the backend.
	Close() error
}

// MemStore is an in-memory ObjectStore used by tests and as the backend for
// transient inner-circuit state.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (s *MemStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *MemStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := make([]byte, len(value))
	copy(val, value)
	s.objects[key] = val
	return nil
}

func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemStore) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	keys, err := s.List(prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		val, err := s.Get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
