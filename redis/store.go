// Package redis provides a Redis-backed attestation store for deployments
// where several engine instances must verify each other's tokens.
//
// This package requires a Redis client to be passed in, giving you full control
// over connection pooling, timeouts, and clustering configuration.
//
// Supported Redis clients:
//   - github.com/redis/go-redis/v9 (through a thin adapter)
//   - Any client implementing the Cmdable interface
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kacy/trust-attestation/store"
)

// Cmdable is the subset of Redis commands the store needs.
type Cmdable interface {
	Get(ctx context.Context, key string) StringCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) BoolCmd
	Ping(ctx context.Context) StatusCmd
}

// StringCmd is the interface for string command results.
type StringCmd interface {
	Result() (string, error)
}

// StatusCmd is the interface for status command results.
type StatusCmd interface {
	Err() error
}

// BoolCmd is the interface for bool command results.
type BoolCmd interface {
	Result() (bool, error)
}

// Config holds configuration for the Redis attestation store.
type Config struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "attest:token:").
	KeyPrefix string

	// Retention is how long records remain after expiry (default: store.DefaultRetention).
	Retention time.Duration

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// AttestationStore is a Redis-backed implementation of store.Store.
type AttestationStore struct {
	client    Cmdable
	keyPrefix string
	retention time.Duration
	now       func() time.Time
}

// storedRecord is the JSON representation of a stored attestation.
type storedRecord struct {
	Data      []byte    `json:"data"`
	ExpiresAt time.Time `json:"expires_at"`
	StoredAt  time.Time `json:"stored_at"`
}

// NewAttestationStore creates a new Redis-backed attestation store.
func NewAttestationStore(cfg Config) (*AttestationStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "attest:token:"
	}

	retention := cfg.Retention
	if retention == 0 {
		retention = store.DefaultRetention
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &AttestationStore{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		retention: retention,
		now:       now,
	}, nil
}

// Save stores an attestation record. The key expires once the record is
// past its retention window.
func (s *AttestationStore) Save(ctx context.Context, token string, data []byte, expiresAt time.Time) error {
	now := s.now()
	ttl := expiresAt.Add(s.retention).Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("record for %s already past retention", token)
	}

	jsonData, err := json.Marshal(storedRecord{
		Data:      data,
		ExpiresAt: expiresAt,
		StoredAt:  now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// Use SetNX so an issued token is never overwritten
	ok, err := s.client.SetNX(ctx, s.keyPrefix+token, jsonData, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	if !ok {
		return store.ErrExists
	}

	return nil
}

// Load retrieves an attestation record by token.
func (s *AttestationStore) Load(ctx context.Context, token string) ([]byte, error) {
	jsonData, err := s.client.Get(ctx, s.keyPrefix+token).Result()
	if err != nil {
		if isNil(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	var record storedRecord
	if err := json.Unmarshal([]byte(jsonData), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return record.Data, nil
}

// Ping checks that Redis is reachable.
func (s *AttestationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op for Redis store (connection is managed externally).
func (s *AttestationStore) Close() {
	// No-op: Redis client lifecycle is managed by the caller
}

// isNil checks if the error is a redis.Nil error.
// We check the error string to avoid importing go-redis directly.
func isNil(err error) bool {
	return err != nil && err.Error() == "redis: nil"
}
