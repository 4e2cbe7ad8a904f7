// Package counter provides the shared counters behind the fixed-window rate
// limiter. A counter lives until an absolute expiry, after which the store
// drops it.
package counter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store increments a counter and pins its expiry in one step.
type Store interface {
	// IncrExpireAt increments key by one, sets it to expire at the given unix
	// epoch and returns the post-increment value.
	IncrExpireAt(ctx context.Context, key string, expireAt int64) (int64, error)
}

// RedisStore keeps counters in redis. INCR and EXPIREAT are sent as one
// MULTI/EXEC transaction so a counter is never left without an expiry.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient parses a redis:// URL and applies timeout to dial, read and
// write.
func NewRedisClient(url string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = timeout
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout
	return redis.NewClient(opts), nil
}

func (s *RedisStore) IncrExpireAt(ctx context.Context, key string, expireAt int64) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, time.Unix(expireAt, 0))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ErrClosed is returned by a MemoryStore after Close.
var ErrClosed = errors.New("counter store closed")

type memEntry struct {
	value    int64
	expireAt int64
}

// MemoryStore is an in-process Store used in place of redis by tests.
// Expired counters are reset on access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	closed  bool
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry), now: time.Now}
}

func (s *MemoryStore) IncrExpireAt(_ context.Context, key string, expireAt int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	now := s.now().Unix()
	e, ok := s.entries[key]
	if !ok || e.expireAt <= now {
		e = &memEntry{}
		s.entries[key] = e
	}
	e.value++
	e.expireAt = expireAt
	return e.value, nil
}

// Get returns the live value of key, or 0.
func (s *MemoryStore) Get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expireAt <= s.now().Unix() {
		return 0
	}
	return e.value
}

// ExpireAt returns the absolute expiry recorded for key.
func (s *MemoryStore) ExpireAt(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	return e.expireAt, true
}

// Sweep drops expired counters.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	n := 0
	for k, e := range s.entries {
		if e.expireAt <= now {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Close makes every later call fail, which simulates a store outage.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
