package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is the shared atomic counter backend. Every operation is a
// single round-trip so there is no check-then-act window between
// concurrent workers or process instances.
type CounterStore interface {
	// Incr atomically increments key and returns the new value. The key
	// expires ttl after its first increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr atomically decrements key.
	Decr(ctx context.Context, key string) (int64, error)
	// Get returns the current value, zero when the key does not exist.
	Get(ctx context.Context, key string) (int64, error)
}

type RedisCounterStore struct {
	rdb *redis.Client
}

func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	// Set expiration on first increment. A failed PExpire must surface:
	// an unexpiring counter would throttle its window forever.
	if count == 1 {
		if err := s.rdb.PExpire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}

	return count, nil
}

// decrIfExists keeps a release from resurrecting a counter whose window
// already expired; a plain DECR would leave a stray negative key with
// no TTL.
var decrIfExists = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("DECR", KEYS[1])
end
return 0`)

func (s *RedisCounterStore) Decr(ctx context.Context, key string) (int64, error) {
	return decrIfExists.Run(ctx, s.rdb, []string{key}).Int64()
}

func (s *RedisCounterStore) Get(ctx context.Context, key string) (int64, error) {
	count, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// MemoryCounterStore is an in-process CounterStore for tests and the
// single-node dev profile.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
}

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]*memoryCounter)}
}

func (s *MemoryCounterStore) get(key string) *memoryCounter {
	c, ok := s.counters[key]
	if ok && !c.expiresAt.IsZero() && time.Now().After(c.expiresAt) {
		delete(s.counters, key)
		ok = false
	}
	if !ok {
		c = &memoryCounter{}
		s.counters[key] = c
	}
	return c
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(key)
	c.value++
	if c.value == 1 {
		c.expiresAt = time.Now().Add(ttl)
	}
	return c.value, nil
}

// Decr never resurrects a missing or expired counter, mirroring the
// guarded decrement of the Redis store.
func (s *MemoryCounterStore) Decr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok || (!c.expiresAt.IsZero() && time.Now().After(c.expiresAt)) {
		delete(s.counters, key)
		return 0, nil
	}
	c.value--
	return c.value, nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok || (!c.expiresAt.IsZero() && time.Now().After(c.expiresAt)) {
		return 0, nil
	}
	return c.value, nil
}
