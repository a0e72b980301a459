// Package memory provides in-memory implementations of the auth stores, for
// tests and single-binary development runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/prn-tf/bluetap/internal/auth"
	"github.com/prn-tf/bluetap/internal/domain"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is an in-memory TTL keyspace. Expired entries are dropped lazily on
// read, which is enough for its test and dev use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

var _ auth.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// NewStoreWithClock creates a store with an overridden clock, for tests.
func NewStoreWithClock(clock func() time.Time) *Store {
	s := NewStore()
	s.now = clock
	return s
}

// Set stores a value. A non-positive TTL stores it without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Get retrieves a value, treating expired entries as absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	if e.expired(s.now()) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, auth.ErrKeyNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete removes a key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Users is an in-memory user directory.
type Users struct {
	mu     sync.RWMutex
	byName map[string]*domain.User
}

var _ auth.UserStore = (*Users)(nil)

// NewUsers creates an empty user directory.
func NewUsers() *Users {
	return &Users{byName: make(map[string]*domain.User)}
}

// Add inserts or replaces a user.
func (u *Users) Add(user *domain.User) {
	u.mu.Lock()
	clone := *user
	u.byName[user.Username] = &clone
	u.mu.Unlock()
}

// GetByUsername resolves a user account.
func (u *Users) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	user, ok := u.byName[username]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}
