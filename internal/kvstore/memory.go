package kvstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store used in tests and single-node setups.
// Expired keys are evicted lazily on access.
type MemoryStore struct {
	mu            sync.RWMutex
	data          map[string]memoryEntry
	notifyExpired bool
	now           func() time.Time

	// Failure injection for tests.
	GetErr    error
	SetErr    error
	ConfigErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

// SetClock overrides the time source used for expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	return s.getLocked(key)
}

func (s *MemoryStore) getLocked(key string) ([]byte, error) {
	entry, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired(s.now()) {
		delete(s.data, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}
	s.setLocked(key, value, ttl)
	return nil
}

func (s *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = entry
}

// EnableExpiryNotifications implements Store.
func (s *MemoryStore) EnableExpiryNotifications(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConfigErr != nil {
		return s.ConfigErr
	}
	s.notifyExpired = true
	return nil
}

// ExpiryNotificationsEnabled reports whether EnableExpiryNotifications was called.
func (s *MemoryStore) ExpiryNotificationsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifyExpired
}

// Update implements Updater.
func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetErr != nil {
		return s.SetErr
	}
	current, err := s.getLocked(key)
	if err != nil && err != ErrNotFound {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	s.setLocked(key, next, 0)
	return nil
}

// Ping implements Pinger.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Keys returns the live keys.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}
