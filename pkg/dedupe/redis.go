package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "dedupe:"

// Redis keeps claims in Redis so every server node sharing it sees the same
// client ids. Keys expire after ttl.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func (r *Redis) Claim(ctx context.Context, conversationID, clientID string) (bool, error) {
	k := key(conversationID, clientID)
	if k == "" {
		return true, nil
	}
	ok, err := r.rdb.SetNX(ctx, redisPrefix+k, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim client id: %w", err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, conversationID, clientID string) error {
	k := key(conversationID, clientID)
	if k == "" {
		return nil
	}
	return r.rdb.Del(ctx, redisPrefix+k).Err()
}
