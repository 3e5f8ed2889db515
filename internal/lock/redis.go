package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "outreach:lock:"

// Only the token that took a lease may extend or drop it.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a Locker backed by Redis leases so several processes can share
// one store. A held lease is extended every ttl/3 until released; if the
// holder dies the lease expires after ttl.
type Redis struct {
	rdb   redis.UniversalClient
	ttl   time.Duration
	retry time.Duration
}

func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{rdb: rdb, ttl: ttl, retry: 50 * time.Millisecond}
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, keyPrefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return r.hold(keyPrefix+key, token), true, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	t := time.NewTicker(r.retry)
	defer t.Stop()
	for {
		release, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// hold starts the lease watchdog and returns the release func.
func (r *Redis) hold(key, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		t := time.NewTicker(r.ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
				n, err := extendScript.Run(ctx, r.rdb, []string{key}, token, r.ttl.Milliseconds()).Int()
				cancel()
				if err == nil && n == 0 {
					// lease lost; nothing left to extend
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// on failure the lease still expires after ttl
			_ = releaseScript.Run(ctx, r.rdb, []string{key}, token).Err()
		})
	}
}
