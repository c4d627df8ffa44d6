package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisLedger keeps one sorted set per key, scored by event time in
// milliseconds, so every instance behind the load balancer shares the window.
type RedisLedger struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLedger(client *redis.Client, limit int, window time.Duration) *RedisLedger {
	return &RedisLedger{
		client: client,
		limit:  limit,
		window: window,
		prefix: "unlock:downloads:",
	}
}

// Allow adds the event optimistically and removes it again when the window
// is already full. Two racing callers can both be denied, never both
// admitted past the limit.
func (l *RedisLedger) Allow(ctx context.Context, key string, now time.Time) (bool, error) {
	redisKey := l.prefix + key
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10)

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
		p.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = p.ZCard(ctx, redisKey)
		p.PExpire(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record rate limit event: %w", err)
	}

	if card.Val() > int64(l.limit) {
		if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return false, fmt.Errorf("roll back rate limit event: %w", err)
		}
		return false, nil
	}
	return true, nil
}
