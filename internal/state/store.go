package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// cacheTTL bounds how stale a cached envelope read may be. Duplicate-
// prevention checks must use GetFresh instead.
const cacheTTL = 5 * time.Second

type cacheEntry struct {
	data []byte
	at   time.Time
}

// Store is a thin JSON-typed wrapper over Redis with a short in-process
// read cache on hot envelope keys.
type Store struct {
	rdb    *redis.Client
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewStore connects to Redis at the given URL. An explicit password
// overrides any credential embedded in the URL.
func NewStore(url, password string, logger zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	return &Store{
		rdb:    redis.NewClient(opts),
		logger: logger.With().Str("client", "state").Logger(),
		cache:  make(map[string]cacheEntry),
	}, nil
}

// Ping verifies the connection. A failure here is fatal at startup.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get reads a JSON value into out, serving from the short read cache when
// the entry is fresh. Returns false when the key does not exist.
func (s *Store) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && time.Since(entry.at) < cacheTTL {
		if err := json.Unmarshal(entry.data, out); err != nil {
			return false, fmt.Errorf("decode cached %s: %w", key, err)
		}
		return true, nil
	}
	return s.GetFresh(ctx, key, out)
}

// GetFresh bypasses the read cache. Used for duplicate-prevention checks.
func (s *Store) GetFresh(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = cacheEntry{data: data, at: time.Now()}
	s.mu.Unlock()
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set writes a JSON value with a TTL and refreshes the read cache.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = cacheEntry{data: data, at: time.Now()}
	s.mu.Unlock()
	return nil
}

// Delete removes a key and invalidates the cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// SetNX atomically sets the key only if absent. The lock primitive.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// releaseScript deletes the key only when it still holds the caller's
// identifier, so a lock that expired and was re-acquired elsewhere is
// never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// DeleteIfValue removes the key only if it currently holds value.
// Returns whether a deletion happened.
func (s *Store) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis release %s: %w", key, err)
	}
	if n > 0 {
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
	}
	return n > 0, nil
}

// HSet writes string fields of a hash and applies a TTL.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// HGetAll reads all fields of a hash. Empty map when the key is absent.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return fields, nil
}

// LPushTrim prepends to a list, trims it to maxLen, and applies a TTL.
func (s *Store) LPushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	return nil
}

// LRange reads a slice of a list.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	return vals, nil
}

// LRem removes occurrences of value from a list.
func (s *Store) LRem(ctx context.Context, key, value string) error {
	if err := s.rdb.LRem(ctx, key, 0, value).Err(); err != nil {
		return fmt.Errorf("redis lrem %s: %w", key, err)
	}
	return nil
}
