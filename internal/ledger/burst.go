package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const burstKeyPrefix = "ledger:burst:"

// BurstWindow is a Redis sorted-set sliding window counting premium calls
// of one identity.
type BurstWindow struct {
	rdb redis.Cmdable
}

// NewBurstWindow creates a new BurstWindow.
func NewBurstWindow(rdb redis.Cmdable) *BurstWindow {
	return &BurstWindow{rdb: rdb}
}

// Usage returns how many calls fall inside (now-window, now] and when the
// oldest of them leaves the window. It does not modify the set.
func (b *BurstWindow) Usage(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	k := burstKeyPrefix + key
	lo := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	hi := strconv.FormatInt(now.UnixMilli(), 10)

	count, err := b.rdb.ZCount(ctx, k, lo, hi).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("counting burst window: %w", err)
	}
	if count == 0 {
		return 0, time.Time{}, nil
	}

	oldest, err := b.rdb.ZRangeByScoreWithScores(ctx, k, &redis.ZRangeBy{
		Min: lo, Max: hi, Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("reading burst window: %w", err)
	}

	var frees time.Time
	if len(oldest) > 0 {
		frees = time.UnixMilli(int64(oldest[0].Score)).Add(window).UTC()
	}
	return int(count), frees, nil
}

// Add records one call at now and drops entries that left the window.
func (b *BurstWindow) Add(ctx context.Context, key string, window time.Duration, now time.Time) error {
	k := burstKeyPrefix + key
	nowMs := now.UnixMilli()

	pipe := b.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(nowMs), Member: strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()})
	pipe.PExpire(ctx, k, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("burst window pipeline: %w", err)
	}
	return nil
}

// Clear drops every entry of key.
func (b *BurstWindow) Clear(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, burstKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("clearing burst window: %w", err)
	}
	return nil
}
