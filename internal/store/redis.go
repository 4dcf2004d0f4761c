package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key written by the engine.
const keyPrefix = "kestrel:"

// incrScript atomically increments a counter and applies the TTL on
// first creation. One round trip, no lost updates under concurrency.
var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RedisStore implements domain.Store using Redis.
// Used as the Pro tier store for distributed deployments.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests with a
// mock client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment atomically increments a counter, applying the TTL on creation.
func (s *RedisStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	result, err := incrScript.Run(ctx, s.client, []string{s.makeKey(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable(err)
	}
	return result, nil
}

// Count returns the current counter value, or 0 when absent.
func (s *RedisStore) Count(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, s.makeKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable(err)
	}
	return val, nil
}

// SetValue stores a value with TTL.
func (s *RedisStore) SetValue(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.makeKey(key), value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// GetValue retrieves a value. Returns "" with no error when absent.
func (s *RedisStore) GetValue(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.makeKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable(err)
	}
	return val, nil
}

// SetAdd adds a member to a set and refreshes the set's TTL.
func (s *RedisStore) SetAdd(ctx context.Context, key string, member string, ttl time.Duration) error {
	fullKey := s.makeKey(key)

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, fullKey, member)
	pipe.Expire(ctx, fullKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// SetMembers returns all members of a set.
func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.makeKey(key)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return members, nil
}

// Scan returns keys matching the glob pattern, with the store prefix
// stripped.
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable(err)
	}
	return keys, nil
}

// ListPush prepends a value, trims the list to max entries and refreshes
// the TTL.
func (s *RedisStore) ListPush(ctx context.Context, key string, value string, max int64, ttl time.Duration) error {
	fullKey := s.makeKey(key)

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, fullKey, value)
	pipe.LTrim(ctx, fullKey, 0, max-1)
	pipe.Expire(ctx, fullKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// ListRange returns list entries in [start, stop], newest first.
func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, s.makeKey(key), start, stop).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return vals, nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.makeKey(key)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) makeKey(key string) string {
	return keyPrefix + key
}

// unavailable maps a transport error onto the store taxonomy so callers
// can distinguish an outage from a zero count.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
