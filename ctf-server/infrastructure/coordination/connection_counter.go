package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectionCounter caps concurrent event-stream connections per client IP
// across all server processes. The counter key expires on its own if a
// process dies without decrementing.
type ConnectionCounter struct {
	client *redis.Client
	max    int64
	ttl    time.Duration
}

func NewConnectionCounter(client *redis.Client, maxPerIP int, ttl time.Duration) *ConnectionCounter {
	return &ConnectionCounter{
		client: client,
		max:    int64(maxPerIP),
		ttl:    ttl,
	}
}

// KEYS[1] counter key
// ARGV[1] max streams, ARGV[2] ttl seconds
var acquireConnectionScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n < 1 then
	redis.call("SET", KEYS[1], "1")
	n = 1
end
if n > tonumber(ARGV[1]) then
	redis.call("DECR", KEYS[1])
	return 0
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 1
`)

// KEYS[1] counter key
// ARGV[1] ttl seconds
var releaseConnectionScript = redis.NewScript(`
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n <= 1 then
	redis.call("DEL", KEYS[1])
	return 0
end
local left = redis.call("DECR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[1])
return left
`)

// Acquire reports false when ip already holds the maximum number of streams.
func (c *ConnectionCounter) Acquire(ctx context.Context, ip string) (bool, error) {
	res, err := acquireConnectionScript.Run(ctx, c.client,
		[]string{sseConnectionKey(ip)},
		c.max, ttlSeconds(c.ttl),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to count connection: %w", err)
	}
	return res == 1, nil
}

func (c *ConnectionCounter) Refresh(ctx context.Context, ip string) error {
	return c.client.Expire(ctx, sseConnectionKey(ip), c.ttl).Err()
}

// Release never takes the counter below zero, so a release after the key
// has expired is a no-op.
func (c *ConnectionCounter) Release(ctx context.Context, ip string) error {
	err := releaseConnectionScript.Run(ctx, c.client,
		[]string{sseConnectionKey(ip)},
		ttlSeconds(c.ttl),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to release connection: %w", err)
	}
	return nil
}
