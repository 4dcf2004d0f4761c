// Package store provides the TTL-keyed counter and set store backing the
// fraud engine and rate limiter.
package store

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a new store based on configuration.
// For Community tier: returns the in-memory store.
// For Pro tier: returns the Redis store.
func New(cfg domain.StoreConfig) (domain.Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil

	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
