package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type rateCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// bumpWindowCounter 自增固定窗口计数键并返回当前计数。
// 过期时间用 ExpireNX 设置：只有键尚无 TTL 时才生效，
// 即使首次 Incr 后进程崩溃导致键无 TTL，下一次调用也能补上。
func bumpWindowCounter(ctx context.Context, client rateCounter, key string, window time.Duration) (int64, error) {
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %q: %w", key, err)
	}
	if err := client.ExpireNX(ctx, key, window).Err(); err != nil {
		return 0, fmt.Errorf("expire %q: %w", key, err)
	}
	return count, nil
}
