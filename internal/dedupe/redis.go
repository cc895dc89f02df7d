package dedupe

import (
	"context"
	"fmt"
	"time"

	"slackrelay/internal/redis"
)

const redisKeyPrefix = "relay:event:"

// RedisMarker keeps the seen-set in Redis with SET NX and a TTL.
type RedisMarker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisMarker(client *redis.Client, ttl time.Duration) *RedisMarker {
	return &RedisMarker{client: client, ttl: ttl}
}

func (m *RedisMarker) CheckAndMark(ctx context.Context, key string) (bool, error) {
	stored, err := m.client.SetNX(ctx, redisKeyPrefix+key, time.Now().Unix(), m.ttl)
	if err != nil {
		return false, fmt.Errorf("mark event %s: %w", key, err)
	}
	return !stored, nil
}
