package lockstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is an in-memory lock node intended for unit tests and
// single-process usage. It is safe for concurrent use. Expiry is evaluated
// lazily against the injected clock on every access.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemoryStore) TrySet(_ context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if err := Validate(resource, token, ttl); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[resource]
	if ok && e.expiresAt.After(now) && e.token != token {
		return false, nil
	}
	s.entries[resource] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ForceSet(_ context.Context, resource, token string, ttl time.Duration) error {
	if err := Validate(resource, token, ttl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[resource] = memoryEntry{token: token, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) TryDelete(_ context.Context, resource, token string) (bool, error) {
	if resource == "" || token == "" {
		return false, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[resource]
	if !ok || !e.expiresAt.After(s.now()) || e.token != token {
		return false, nil
	}
	delete(s.entries, resource)
	return true, nil
}

// Peek reports the live token stored for resource, if any. Test helper.
func (s *MemoryStore) Peek(resource string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[resource]
	if !ok || !e.expiresAt.After(s.now()) {
		return "", false
	}
	return e.token, true
}

func (s *MemoryStore) Addr() string { return "memory" }

func (s *MemoryStore) Close() error { return nil }
