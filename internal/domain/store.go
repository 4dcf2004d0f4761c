package domain

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable reports a transient store I/O failure. Callers decide
// the policy: the rate limiter fails open, fraud collectors omit the
// affected signal. It is never folded into a zero count.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// Store is the TTL-keyed atomic counter and set store backing every
// component of the engine. Supports Redis (Pro) or in-memory (Community).
type Store interface {
	// Increment atomically increments a counter and returns the new value.
	// The TTL is applied when the key is first created. Single round trip,
	// safe under concurrent callers on the same key.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Count returns the current counter value, or 0 when the key is absent.
	Count(ctx context.Context, key string) (int64, error)

	// SetValue stores an opaque value with TTL.
	SetValue(ctx context.Context, key string, value string, ttl time.Duration) error

	// GetValue retrieves a value. Returns "" with no error when absent.
	GetValue(ctx context.Context, key string) (string, error)

	// SetAdd adds a member to a set and refreshes the set's TTL.
	SetAdd(ctx context.Context, key string, member string, ttl time.Duration) error

	// SetMembers returns all members of a set. Empty slice when absent.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Scan returns keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// ListPush prepends a value to a list, trims it to max entries and
	// refreshes the TTL. Used for the bounded payment-attempt ring.
	ListPush(ctx context.Context, key string, value string, max int64, ttl time.Duration) error

	// ListRange returns list entries in [start, stop], newest first.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StoreConfig holds configuration for store initialization.
type StoreConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
