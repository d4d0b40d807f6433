package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// Counter 是固定窗口计数器。Incr 对 key 加一并返回窗口内的计数，key 在 window 后过期。
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type bucket struct {
	count   int64
	expires time.Time
}

// MemoryCounter 是进程内的固定窗口计数器。
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryCounter 创建内存计数器。
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{buckets: make(map[string]*bucket), now: time.Now}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key]
	if !ok || !now.Before(b.expires) {
		b = &bucket{expires: now.Add(window)}
		c.buckets[key] = b
		c.sweepLocked(now)
	}
	b.count++
	return b.count, nil
}

// sweepLocked 清理过期窗口，只在创建新窗口时调用。
func (c *MemoryCounter) sweepLocked(now time.Time) {
	for key, b := range c.buckets {
		if !now.Before(b.expires) {
			delete(c.buckets, key)
		}
	}
}

// RedisCounter 使用 INCR 与 EXPIRE 实现跨实例共享的计数。
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter 包装一个 Redis 客户端。
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "chronicler:ratelimit"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// DialRedisCounter 连接 Redis 并确认可用。
func DialRedisCounter(ctx context.Context, addr, password string, db int) (*RedisCounter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接限流 Redis 失败")
	}
	return NewRedisCounter(client, ""), nil
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	full := c.prefix + ":" + key
	count, err := c.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "限流计数失败")
	}
	if count == 1 {
		if err := c.client.Expire(ctx, full, window).Err(); err != nil {
			return count, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "设置限流窗口失败")
		}
	}
	return count, nil
}

// Close 关闭底层连接。
func (c *RedisCounter) Close() error {
	return c.client.Close()
}

// RateLimiter 组合按秒令牌桶与按小时、按天的固定窗口。
type RateLimiter struct {
	counter   Counter
	perSecond rate.Limit
	burst     int
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter 构造限流器，counter 为空时使用内存计数，perSecond 非正时关闭按秒限制。
func NewRateLimiter(counter Counter, perSecond float64, burst int) *RateLimiter {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &RateLimiter{
		counter:   counter,
		perSecond: limit,
		burst:     burst,
		now:       time.Now,
		buckets:   make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[key]
	if !ok {
		lim = rate.NewLimiter(l.perSecond, l.burst)
		l.buckets[key] = lim
	}
	return lim
}

// Check 为 agent/工具组合计一次调用并判断是否超出限制。limit 非正表示不限制对应窗口。
func (l *RateLimiter) Check(ctx context.Context, agentID, toolID string, hourly, daily int) (RateLimitResult, error) {
	res := RateLimitResult{Allowed: true, HourlyLimit: hourly, DailyLimit: daily}
	pair := agentID + "|" + toolID

	if !l.limiter(pair).AllowN(l.now(), 1) {
		res.Allowed = false
		res.Reason = "Rate limit exceeded: too many requests per second"
		return res, nil
	}

	now := l.now().UTC()
	hourKey := fmt.Sprintf("%s:%s:h:%d", agentID, toolID, now.Unix()/3600)
	dayKey := fmt.Sprintf("%s:%s:d:%d", agentID, toolID, now.Unix()/86400)

	var err error
	if res.HourlyCount, err = l.counter.Incr(ctx, hourKey, time.Hour); err != nil {
		return res, err
	}
	if res.DailyCount, err = l.counter.Incr(ctx, dayKey, 24*time.Hour); err != nil {
		return res, err
	}

	switch {
	case hourly > 0 && res.HourlyCount > int64(hourly):
		res.Allowed = false
		res.Reason = "Rate limit exceeded for this hour"
	case daily > 0 && res.DailyCount > int64(daily):
		res.Allowed = false
		res.Reason = "Rate limit exceeded for this day"
	}
	return res, nil
}
