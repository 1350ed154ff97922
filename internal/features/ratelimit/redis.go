package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments and sets the expiry on first hit in one round trip,
// so a crash between the two commands cannot leave an immortal counter.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

type RedisLimiter struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedisLimiter(client redis.Cmdable) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	k, resetIn := windowKey(key, window, l.now())
	// a little slack keeps the key alive across clock skew between replicas
	ttl := resetIn + time.Second
	n, err := incrScript.Run(ctx, l.client, []string{k}, ttl.Milliseconds()).Int64()
	if err != nil {
		return Counter{}, err
	}
	return Counter{Count: n, ResetIn: resetIn}, nil
}

func (l *RedisLimiter) Peek(ctx context.Context, key string, window time.Duration) (Counter, error) {
	k, resetIn := windowKey(key, window, l.now())
	n, err := l.client.Get(ctx, k).Int64()
	if errors.Is(err, redis.Nil) {
		return Counter{ResetIn: resetIn}, nil
	}
	if err != nil {
		return Counter{}, err
	}
	return Counter{Count: n, ResetIn: resetIn}, nil
}
