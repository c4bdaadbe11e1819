package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceCache records issued nonces in Redis so a duplicate can't
// be replayed across worker processes before the owning PushAttestation
// row is visible to every instance.
type RedisNonceCache struct {
	client *redis.Client
}

// NewRedisNonceCache connects to addr and verifies the connection with
// a Ping before returning, so a misconfigured cache fails fast at
// startup rather than on the first negotiate call.
func NewRedisNonceCache(ctx context.Context, addr, password string, db int) (*RedisNonceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisNonceCache{client: client}, nil
}

func (c *RedisNonceCache) Record(ctx context.Context, agentID, nonce string, ttl time.Duration) error {
	key := nonceCacheKey(agentID, nonce)
	return c.client.Set(ctx, key, "1", ttl).Err()
}

// Seen reports whether nonce was already recorded for agentID, the
// fast defense-in-depth check a submit-evidence handler can run before
// falling through to the authoritative database lookup.
func (c *RedisNonceCache) Seen(ctx context.Context, agentID, nonce string) (bool, error) {
	_, err := c.client.Get(ctx, nonceCacheKey(agentID, nonce)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisNonceCache) Close() error {
	return c.client.Close()
}

func nonceCacheKey(agentID, nonce string) string {
	return "attestctl:nonce:" + agentID + ":" + nonce
}
