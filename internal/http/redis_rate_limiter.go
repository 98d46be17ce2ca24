package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fixedWindow increments a counter, starts its window on first use and
// reports the count with the milliseconds left, atomically.
var fixedWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

type redisLimiter struct {
	client  *redis.Client
	log     *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter returns a limiter whose budgets are shared by every
// replica using client. The client stays owned by the caller.
func NewRedisRateLimiter(ctx context.Context, client *redis.Client, log *slog.Logger) (RateLimiter, error) {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &redisLimiter{
		client:  client,
		log:     log,
		prefix:  "heirloom:ratelimit:",
		timeout: 250 * time.Millisecond,
	}, nil
}

// Charge fails open when Redis cannot be reached.
func (l *redisLimiter) Charge(key string, b Budget) Decision {
	if b.Limit <= 0 {
		return Decision{Allowed: true}
	}
	if b.Window <= 0 {
		b.Window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	res, err := fixedWindow.Run(ctx, l.client, []string{l.prefix + key}, b.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		l.log.Error("redis rate limiter unavailable", "key", key, "error", err)
		return Decision{Allowed: true}
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = b.Window
	}
	count := int(res[0])
	return Decision{Allowed: count <= b.Limit, Count: count, Reset: time.Now().Add(ttl)}
}

// Close leaves the shared client open.
func (l *redisLimiter) Close() {}
