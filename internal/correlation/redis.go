package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pseudonymizing-proxy/internal/mapping"
)

const redisKeyPrefix = "pseudo:corr:"

// RedisStore keeps entries in Redis so several proxy processes can share
// one store. Expiry is delegated to Redis and GETDEL gives the atomic take.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. A non-positive ttl selects DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("correlation: ping redis %s: %w", addr, err)
	}
	return NewRedisStore(client, ttl), nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key Key, m mapping.Mapping) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("correlation: encode mapping: %w", err)
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+string(key), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("correlation: redis set: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key Key) (mapping.Mapping, bool, error) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return mapping.Mapping{}, false, nil
	}
	if err != nil {
		return mapping.Mapping{}, false, fmt.Errorf("correlation: redis getdel: %w", err)
	}
	var m mapping.Mapping
	if err := json.Unmarshal(data, &m); err != nil {
		return mapping.Mapping{}, false, fmt.Errorf("correlation: decode mapping: %w", err)
	}
	return m, true, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
