// Package memory is an in-memory BlobStore for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/sirosfoundation/go-wallet-core/internal/storage"
)

type entry struct {
	blob      string
	expiresAt time.Time
}

// Store implements an in-memory blob store
type Store struct {
	mu         sync.RWMutex
	data       map[string]entry
	defaultTTL time.Duration
	clock      clock.Clock
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces the clock used for expiry
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates a new in-memory store
func NewStore(defaultTTL time.Duration, opts ...Option) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	s := &Store{
		data:       make(map[string]entry),
		defaultTTL: defaultTTL,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.clock.Now().Add(ttl)
}

func (s *Store) live(e entry) bool {
	return s.clock.Now().Before(e.expiresAt)
}

func (s *Store) Create(ctx context.Context, key, blob string, ttl time.Duration) error {
	if key == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.data[key]; exists && s.live(e) {
		return storage.ErrAlreadyExists
	}
	s.data[key] = entry{blob: blob, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *Store) Put(ctx context.Context, key, blob string, ttl time.Duration) error {
	if key == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = entry{blob: blob, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || !s.live(e) {
		return "", storage.ErrNotFound
	}
	return e.blob, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Cleanup removes expired blobs and returns how many were dropped
func (s *Store) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, e := range s.data {
		if !s.live(e) {
			delete(s.data, key)
			count++
		}
	}
	return count
}

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }
