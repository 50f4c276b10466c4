package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// RedisStore
// ---------------------------------------------------------------------------

// redisCommands is the narrow slice of the go-redis client the store needs.
// Tests stub it to exercise transport-failure behaviour without a server.
type redisCommands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore backs the Store contract with a Redis-compatible server. Any
// transport error degrades to a miss (Get) or a logged no-op (Set/Delete) so
// that cache unavailability never blocks or fails an evaluation.
type RedisStore struct {
	client redisCommands
	logger zerolog.Logger
}

// NewRedisStore creates a RedisStore from a redis URL
// (redis://[:password@]host:port[/db]).
func NewRedisStore(redisURL string, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		client: redis.NewClient(opts),
		logger: logger,
	}, nil
}

// Get returns the cached value, or a miss on absence or any transport error.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		return nil, false
	}
	return val, true
}

// Set stores the value with the given TTL. Failures are logged and dropped.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Delete removes the key. Failures are logged and dropped.
func (s *RedisStore) Delete(ctx context.Context, key string) {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("cache delete failed")
	}
}

// ---------------------------------------------------------------------------
// Backend selection
// ---------------------------------------------------------------------------

// NewStore returns a Redis-backed store when redisURL is set, otherwise an
// in-process MemoryStore. An unparsable URL also falls back to the in-process
// store so a bad cache configuration cannot keep the server from starting.
func NewStore(redisURL string, logger zerolog.Logger) Store {
	if redisURL == "" {
		return NewMemoryStore()
	}
	rs, err := NewRedisStore(redisURL, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid REDIS_URL, falling back to in-process cache")
		return NewMemoryStore()
	}
	return rs
}
