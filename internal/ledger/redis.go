package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	counterKeyPrefix  = "ledger:counters:"
	cooldownKeyPrefix = "ledger:cooldown:"
	globalKeyPrefix   = "ledger:global:"

	// Anonymous counters are ephemeral; an idle IP is forgotten after this.
	anonymousCounterTTL = 30 * 24 * time.Hour
)

// KEYS[1] counters hash; ARGV[1] now (unix ms); ARGV[2] day start (unix ms);
// ARGV[3] ttl (ms). Returns {calls_today, calls_lifetime}.
var incrementScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last')
local today = 1
if last and tonumber(last) >= tonumber(ARGV[2]) then
  today = tonumber(redis.call('HGET', KEYS[1], 'today') or '0') + 1
end
local lifetime = redis.call('HINCRBY', KEYS[1], 'lifetime', 1)
redis.call('HSET', KEYS[1], 'today', tostring(today), 'last', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {today, lifetime}
`)

// KEYS[1] counters hash; ARGV[1] day start (unix ms). Returns 1 on reset.
var resetIfStaleScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last')
if not last or tonumber(last) >= tonumber(ARGV[1]) then
  return 0
end
if tonumber(redis.call('HGET', KEYS[1], 'today') or '0') == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'today', '0')
return 1
`)

// KEYS counters hashes of one identity. Zeroes today on existing hashes.
var resetTodayScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
  if redis.call('EXISTS', key) == 1 then
    redis.call('HSET', key, 'today', '0')
  end
end
return 0
`)

// RedisStore keeps anonymous counters, cooldown windows and the global
// premium counter.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func counterKey(key string, tier Tier) string {
	return counterKeyPrefix + key + ":" + string(tier)
}

func cooldownKey(key string, tier Tier) string {
	return cooldownKeyPrefix + key + ":" + string(tier)
}

func globalKey(tier Tier, day string) string {
	return globalKeyPrefix + string(tier) + ":" + day
}

func (s *RedisStore) Get(ctx context.Context, key string, tier Tier) (Counters, error) {
	vals, err := s.rdb.HMGet(ctx, counterKey(key, tier), "today", "lifetime", "last").Result()
	if err != nil {
		return Counters{}, fmt.Errorf("fetching usage counters: %w", err)
	}

	var c Counters
	if v, ok := vals[0].(string); ok {
		c.CallsToday, _ = strconv.Atoi(v)
	}
	if v, ok := vals[1].(string); ok {
		c.CallsLifetime, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals[2].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			c.LastCallAt = &t
		}
	}
	return c, nil
}

func (s *RedisStore) ResetIfStale(ctx context.Context, key string, tier Tier, dayStart time.Time) (bool, error) {
	n, err := resetIfStaleScript.Run(ctx, s.rdb, []string{counterKey(key, tier)}, dayStart.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("resetting daily usage: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, tier Tier, now time.Time) (Counters, error) {
	dayStart, _ := dayBounds(now)
	vals, err := incrementScript.Run(ctx, s.rdb, []string{counterKey(key, tier)},
		now.UnixMilli(), dayStart.UnixMilli(), anonymousCounterTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Counters{}, fmt.Errorf("incrementing usage counters: %w", err)
	}
	if len(vals) != 2 {
		return Counters{}, fmt.Errorf("incrementing usage counters: unexpected reply %v", vals)
	}

	last := time.UnixMilli(now.UnixMilli()).UTC()
	return Counters{
		CallsToday:    int(vals[0]),
		CallsLifetime: vals[1],
		LastCallAt:    &last,
	}, nil
}

func (s *RedisStore) ResetToday(ctx context.Context, key string) error {
	keys := []string{counterKey(key, TierStandard), counterKey(key, TierPremium)}
	if err := resetTodayScript.Run(ctx, s.rdb, keys).Err(); err != nil {
		return fmt.Errorf("resetting usage counters: %w", err)
	}
	return nil
}

func (s *RedisStore) SetCooldown(ctx context.Context, key string, tier Tier, endsAt time.Time, ttl time.Duration) error {
	err := s.rdb.Set(ctx, cooldownKey(key, tier), endsAt.UnixMilli(), ttl).Err()
	if err != nil {
		return fmt.Errorf("storing cooldown: %w", err)
	}
	return nil
}

func (s *RedisStore) CooldownEndsAt(ctx context.Context, key string, tier Tier) (time.Time, error) {
	ms, err := s.rdb.Get(ctx, cooldownKey(key, tier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("fetching cooldown: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ClearCooldowns removes every cooldown of key.
func (s *RedisStore) ClearCooldowns(ctx context.Context, key string) error {
	err := s.rdb.Del(ctx, cooldownKey(key, TierStandard), cooldownKey(key, TierPremium)).Err()
	if err != nil {
		return fmt.Errorf("clearing cooldowns: %w", err)
	}
	return nil
}

func (s *RedisStore) GlobalCalls(ctx context.Context, tier Tier, day string) (int, error) {
	n, err := s.rdb.Get(ctx, globalKey(tier, day)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("fetching global usage: %w", err)
	}
	return n, nil
}

func (s *RedisStore) IncrGlobal(ctx context.Context, tier Tier, day string, expireAt time.Time) (int, error) {
	key := globalKey(tier, day)

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, expireAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incrementing global usage: %w", err)
	}
	return int(incr.Val()), nil
}
