package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kavos113/quickctf/ctf-server/domain"
)

// tryAcquireScript runs the whole check-and-reserve sequence atomically. It
// returns 0 when refused, 1 when it created the slot and 2 when the slot was
// already held.
//
// KEYS[1] slot index (ZSET scored by expiry epoch)
// KEYS[2] slot marker key
// ARGV[1] now epoch, ARGV[2] expiry epoch, ARGV[3] ttl seconds, ARGV[4] limit
var tryAcquireScript = redis.NewScript(`
local index = KEYS[1]
local slot = KEYS[2]
local now = tonumber(ARGV[1])
local exp = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])

local expired = redis.call("ZRANGEBYSCORE", index, "-inf", now)
if #expired > 0 then
	for i = 1, #expired do
		redis.call("DEL", expired[i])
	end
	redis.call("ZREM", index, unpack(expired))
end

if redis.call("EXISTS", slot) == 1 then
	redis.call("ZADD", index, exp, slot)
	redis.call("EXPIRE", slot, ttl)
	return 2
end

if redis.call("ZCARD", index) >= limit then
	return 0
end

if not redis.call("SET", slot, "1", "EX", ttl, "NX") then
	redis.call("ZADD", index, exp, slot)
	return 2
end

redis.call("ZADD", index, exp, slot)
return 1
`)

// RedisInstanceLimiter is a global cap on live instances. Each slot is a
// marker key with a TTL plus a ZSET member scored by its expiry; the script
// purges lapsed members on every acquisition so the two stay consistent.
type RedisInstanceLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisInstanceLimiter(client *redis.Client) *RedisInstanceLimiter {
	return &RedisInstanceLimiter{
		client: client,
		now:    time.Now,
	}
}

func (l *RedisInstanceLimiter) TryAcquire(ctx context.Context, teamID, challengeID int64, ttl time.Duration, limit int) (domain.SlotAcquisition, error) {
	now := l.now().Unix()
	ttlSeconds := ttlSeconds(ttl)

	res, err := tryAcquireScript.Run(ctx, l.client,
		[]string{activeSlotIndexKey, slotKey(teamID, challengeID)},
		now, now+ttlSeconds, ttlSeconds, limit,
	).Int()
	if err != nil {
		return domain.SlotDenied, fmt.Errorf("failed to acquire instance slot: %w", err)
	}
	switch res {
	case 1:
		return domain.SlotReserved, nil
	case 2:
		return domain.SlotHeld, nil
	default:
		return domain.SlotDenied, nil
	}
}

func (l *RedisInstanceLimiter) Release(ctx context.Context, teamID, challengeID int64) error {
	key := slotKey(teamID, challengeID)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, activeSlotIndexKey, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release instance slot: %w", err)
	}
	return nil
}

func (l *RedisInstanceLimiter) Extend(ctx context.Context, teamID, challengeID int64, ttl time.Duration) (bool, error) {
	key := slotKey(teamID, challengeID)

	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check instance slot: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	exp := l.now().Unix() + ttlSeconds(ttl)
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, key, ttl)
		pipe.ZAdd(ctx, activeSlotIndexKey, redis.Z{Score: float64(exp), Member: key})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to extend instance slot: %w", err)
	}
	return true, nil
}

// ActiveCount returns the number of unexpired slots in the index.
func (l *RedisInstanceLimiter) ActiveCount(ctx context.Context) (int64, error) {
	n, err := l.client.ZCount(ctx, activeSlotIndexKey, fmt.Sprintf("(%d", l.now().Unix()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count instance slots: %w", err)
	}
	return n, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(ttl / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
