package store

import (
	"context"
	"path"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory implementation of domain.Store
// with TTL support. Used as the Community tier store and as the fake in
// engine tests.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[string]*counterEntry
	values   map[string]*valueEntry
	sets     map[string]*setEntry
	lists    map[string]*listEntry

	// now allows tests to control the clock.
	now func() time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type valueEntry struct {
	value     string
	expiresAt time.Time
}

type setEntry struct {
	members   map[string]struct{}
	expiresAt time.Time
}

type listEntry struct {
	values    []string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*counterEntry),
		values:   make(map[string]*valueEntry),
		sets:     make(map[string]*setEntry),
		lists:    make(map[string]*listEntry),
		now:      time.Now,
	}
}

// SetClock overrides the store clock. Test hook for TTL and bucket
// boundary behavior.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Increment atomically increments a counter, applying the TTL on creation.
func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok || s.now().After(entry.expiresAt) {
		entry = &counterEntry{expiresAt: s.now().Add(ttl)}
		s.counters[key] = entry
	}
	entry.count++
	return entry.count, nil
}

// Count returns the current counter value, or 0 when absent or expired.
func (s *MemoryStore) Count(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.counters[key]
	if !ok || s.now().After(entry.expiresAt) {
		return 0, nil
	}
	return entry.count, nil
}

// SetValue stores a value with TTL.
func (s *MemoryStore) SetValue(ctx context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = &valueEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// GetValue retrieves a value. Returns "" when absent or expired.
func (s *MemoryStore) GetValue(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.values[key]
	if !ok || s.now().After(entry.expiresAt) {
		return "", nil
	}
	return entry.value, nil
}

// SetAdd adds a member to a set and refreshes the set's TTL.
func (s *MemoryStore) SetAdd(ctx context.Context, key string, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sets[key]
	if !ok || s.now().After(entry.expiresAt) {
		entry = &setEntry{members: make(map[string]struct{})}
		s.sets[key] = entry
	}
	entry.members[member] = struct{}{}
	entry.expiresAt = s.now().Add(ttl)
	return nil
}

// SetMembers returns all members of a set.
func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.sets[key]
	if !ok || s.now().After(entry.expiresAt) {
		return nil, nil
	}
	members := make([]string, 0, len(entry.members))
	for m := range entry.members {
		members = append(members, m)
	}
	return members, nil
}

// Scan returns live keys matching the glob pattern.
func (s *MemoryStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	match := func(key string, expiresAt time.Time) {
		if s.now().After(expiresAt) {
			return
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for k, e := range s.values {
		match(k, e.expiresAt)
	}
	for k, e := range s.counters {
		match(k, e.expiresAt)
	}
	for k, e := range s.sets {
		match(k, e.expiresAt)
	}
	for k, e := range s.lists {
		match(k, e.expiresAt)
	}
	return keys, nil
}

// ListPush prepends a value, trims the list to max entries and refreshes
// the TTL.
func (s *MemoryStore) ListPush(ctx context.Context, key string, value string, max int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lists[key]
	if !ok || s.now().After(entry.expiresAt) {
		entry = &listEntry{}
		s.lists[key] = entry
	}
	entry.values = append([]string{value}, entry.values...)
	if int64(len(entry.values)) > max {
		entry.values = entry.values[:max]
	}
	entry.expiresAt = s.now().Add(ttl)
	return nil
}

// ListRange returns list entries in [start, stop], newest first.
func (s *MemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.lists[key]
	if !ok || s.now().After(entry.expiresAt) {
		return nil, nil
	}

	n := int64(len(entry.values))
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, entry.values[start:stop+1])
	return out, nil
}

// Delete removes a key from every keyspace.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counters, key)
	delete(s.values, key)
	delete(s.sets, key)
	delete(s.lists, key)
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close releases all entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters = make(map[string]*counterEntry)
	s.values = make(map[string]*valueEntry)
	s.sets = make(map[string]*setEntry)
	s.lists = make(map[string]*listEntry)
	return nil
}
