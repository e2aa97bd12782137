// Package store keeps issued attestation records so that tokens can be
// verified against the exact payload they were minted from.
//
// Records are opaque bytes keyed by token. Entries stay readable past their
// expiry for a retention window, which lets verification report an expired
// token as expired rather than unknown.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common errors returned by stores.
var (
	ErrNotFound = errors.New("attestation record not found")
	ErrExists   = errors.New("attestation record already exists")
	ErrClosed   = errors.New("store is closed")
)

// DefaultRetention is how long records are kept after they expire.
const DefaultRetention = time.Hour

// Store persists issued attestation records.
type Store interface {
	// Save stores data under token. Tokens are write-once; saving an
	// existing token returns ErrExists.
	Save(ctx context.Context, token string, data []byte, expiresAt time.Time) error

	// Load returns the data stored under token, or ErrNotFound.
	Load(ctx context.Context, token string) ([]byte, error)

	// Close releases resources held by the store.
	Close()
}

// Config holds configuration for the memory store.
type Config struct {
	// Retention is how long records remain after expiry (default: 1 hour).
	Retention time.Duration

	// CleanupInterval is how often stale records are removed (default: 1 minute).
	CleanupInterval time.Duration

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

type entry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for single-instance deployments. For multiple instances sharing
// tokens, use the Redis-backed store.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]entry
	retention time.Duration
	now       func() time.Time
	closeCh   chan struct{}
	closed    bool
}

// NewMemoryStore creates a new in-memory attestation store.
func NewMemoryStore(cfg Config) *MemoryStore {
	retention := cfg.Retention
	if retention == 0 {
		retention = DefaultRetention
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = time.Minute
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &MemoryStore{
		entries:   make(map[string]entry),
		retention: retention,
		now:       now,
		closeCh:   make(chan struct{}),
	}

	go s.cleanupLoop(cleanupInterval)

	return s
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, token string, data []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.entries[token]; exists {
		return ErrExists
	}

	s.entries[token] = entry{
		data:      append([]byte(nil), data...),
		expiresAt: expiresAt,
	}
	return nil
}

// Load implements Store. The returned slice is a copy.
func (s *MemoryStore) Load(ctx context.Context, token string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	e, exists := s.entries[token]
	if !exists || s.stale(e, s.now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.data...), nil
}

// Close stops the background cleanup goroutine.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.closeCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for token, e := range s.entries {
		if s.stale(e, now) {
			delete(s.entries, token)
		}
	}
}

func (s *MemoryStore) stale(e entry, now time.Time) bool {
	return now.After(e.expiresAt.Add(s.retention))
}

// Len returns the number of stored records (for testing/monitoring).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
