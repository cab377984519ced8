package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ask-mandi/server/internal/agent/model"
	errx "github.com/ask-mandi/server/internal/core/error"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// RedisRateLimiter is a fixed-window counter: one key per identity per window.
type RedisRateLimiter struct {
	rdb    redis.Cmdable
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisRateLimiter(rdb redis.Cmdable, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window, now: time.Now}
}

func (r *RedisRateLimiter) bucketKey(identity string, start time.Time) string {
	return fmt.Sprintf("askmandi:ratelimit:%s:%d", identity, start.Unix())
}

func (r *RedisRateLimiter) Limit(ctx context.Context, identity string) (model.LimitDecision, error) {
	start, reset := windowBounds(r.now(), r.window)
	key := r.bucketKey(identity, start)

	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// keys are per window, so refreshing the expiry on every hit is harmless
	pipe.Expire(ctx, key, r.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to increment rate limit counter")
		return model.LimitDecision{}, errx.WrapRedis(err)
	}

	return decide(int(incr.Val()), r.limit, reset), nil
}

func windowBounds(now time.Time, window time.Duration) (start, reset time.Time) {
	start = now.Truncate(window)
	return start, start.Add(window)
}

func decide(count, limit int, reset time.Time) model.LimitDecision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return model.LimitDecision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   reset,
	}
}

var _ model.RateLimiter = (*RedisRateLimiter)(nil)
