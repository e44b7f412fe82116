package xredis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"tickrelay.com/pkg/logger"
	"tickrelay.com/pkg/metrics"
	"tickrelay.com/pkg/safe"
)

// KEYS[1]: lease key, ARGV[1]: owner token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// KEYS[1]: lease key, ARGV[1]: owner token, ARGV[2]: ttl ms
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Lease is an expiring, owner-tagged claim on a key. A holder keeps it alive
// by renewing at a third of the ttl until it releases or dies.
type Lease struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLease(rdb *redis.Client, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{rdb: rdb, ttl: ttl}
}

// Acquire claims key for owner. ok is false when someone else holds it.
// The returned release stops renewal and deletes the key if still owned.
func (l *Lease) Acquire(ctx context.Context, key, owner string) (func(), bool, error) {
	begin := time.Now()
	ok, err := l.rdb.SetNX(ctx, key, owner, l.ttl).Result()
	observe("setnx", begin, err)
	if err != nil || !ok {
		return nil, false, err
	}

	kctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	safe.GoCtx(kctx, func(ctx context.Context) { l.keepAlive(ctx, key, owner) })

	var once sync.Once
	release := func() {
		once.Do(func() {
			stop()
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			begin := time.Now()
			err := releaseScript.Run(rctx, l.rdb, []string{key}, owner).Err()
			observe("release", begin, err)
			if err != nil {
				logger.Warn(ctx, "lease release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
	return release, true, nil
}

func (l *Lease) keepAlive(ctx context.Context, key, owner string) {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			begin := time.Now()
			n, err := renewScript.Run(ctx, l.rdb, []string{key}, owner, l.ttl.Milliseconds()).Int64()
			observe("renew", begin, err)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn(ctx, "lease renew failed", zap.String("key", key), zap.Error(err))
				continue
			}
			if n == 0 {
				logger.Warn(ctx, "lease lost", zap.String("key", key))
				return
			}
		}
	}
}

func observe(cmd string, begin time.Time, err error) {
	status := "ok"
	if err != nil && err != redis.Nil {
		status = "error"
	}
	metrics.RedisCmdDuration.WithLabelValues(cmd, status).Observe(time.Since(begin).Seconds())
}
