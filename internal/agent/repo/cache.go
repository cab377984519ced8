package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ask-mandi/server/internal/agent/model"
	errx "github.com/ask-mandi/server/internal/core/error"
	logx "github.com/ask-mandi/server/pkg/logger"
)

type RedisResponseCache struct {
	rdb redis.Cmdable
}

func NewRedisResponseCache(rdb redis.Cmdable) *RedisResponseCache {
	return &RedisResponseCache{rdb: rdb}
}

func (r *RedisResponseCache) answerKey(key string) string {
	return fmt.Sprintf("askmandi:answer:%s", key)
}

func (r *RedisResponseCache) Get(ctx context.Context, key string) (*model.CachedAnswer, error) {
	k := r.answerKey(key)
	s, err := r.rdb.Get(ctx, k).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		logx.Error().Err(err).Str("key", k).Msg("failed to read cached answer from redis")
		return nil, errx.WrapRedis(err)
	}

	var answer model.CachedAnswer
	if err := json.Unmarshal([]byte(s), &answer); err != nil {
		// A corrupt entry is a miss; the next answer overwrites it.
		logx.Warn().Err(err).Str("key", k).Msg("failed to unmarshal cached answer")
		return nil, nil
	}
	return &answer, nil
}

func (r *RedisResponseCache) Set(ctx context.Context, key string, value *model.CachedAnswer, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cached answer: %w", err)
	}
	k := r.answerKey(key)
	if err := r.rdb.Set(ctx, k, b, ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", k).Msg("failed to write cached answer to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

var _ model.ResponseCache = (*RedisResponseCache)(nil)
