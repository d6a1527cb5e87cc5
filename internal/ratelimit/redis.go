package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSlidingWindow implements the same sliding-window contract as the
// in-memory backend on a Redis sorted set, for multi-instance setups.
type RedisSlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisSlidingWindow(redisURL string, limit int) (*RedisSlidingWindow, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisSlidingWindow{client: client, limit: limit, window: defaultWindow}, nil
}

func (r *RedisSlidingWindow) Check(ctx context.Context, identifier string) (Result, error) {
	key := "ratelimit:" + identifier
	now := time.Now()
	windowStart := now.Add(-r.window)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	count := int(countCmd.Val())
	res := Result{Limit: r.limit}

	reset := now.Add(r.window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		reset = time.Unix(0, int64(oldest[0].Score)).Add(r.window)
	}
	res.Reset = reset

	if count >= r.limit {
		res.RetryAfter = reset.Sub(now)
		if res.RetryAfter < time.Second {
			res.RetryAfter = time.Second
		}
		return res, nil
	}

	pipe = r.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, key, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, err
	}

	res.Allowed = true
	res.Remaining = r.limit - count - 1
	return res, nil
}

func (r *RedisSlidingWindow) Client() *redis.Client {
	return r.client
}

func (r *RedisSlidingWindow) Close() error {
	return r.client.Close()
}
