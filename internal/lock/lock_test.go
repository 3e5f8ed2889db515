package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	r := NewRedis(rdb, ttl)
	r.retry = 5 * time.Millisecond
	return r, mr
}

func lockers(t *testing.T) map[string]Locker {
	r, _ := newRedis(t, time.Minute)
	return map[string]Locker{"local": NewLocal(), "redis": r}
}

func TestTryLock_RejectsSecondHolder(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			release, ok, err := l.TryLock(ctx, "auth:1")
			if err != nil || !ok {
				t.Fatalf("expected first TryLock to succeed, ok=%v err=%v", ok, err)
			}
			if _, ok, _ := l.TryLock(ctx, "auth:1"); ok {
				t.Fatalf("expected second TryLock to fail while held")
			}
			if _, ok, _ := l.TryLock(ctx, "auth:2"); !ok {
				t.Fatalf("expected other key to be free")
			}

			release()
			release()

			again, ok, err := l.TryLock(ctx, "auth:1")
			if err != nil || !ok {
				t.Fatalf("expected TryLock after release to succeed, ok=%v err=%v", ok, err)
			}
			again()
		})
	}
}

func TestLock_Serializes(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var (
				wg      sync.WaitGroup
				inside  atomic.Int32
				overlap atomic.Bool
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					release, err := l.Lock(ctx, "campaign:1")
					if err != nil {
						t.Errorf("Lock() error: %v", err)
						return
					}
					if inside.Add(1) > 1 {
						overlap.Store(true)
					}
					time.Sleep(2 * time.Millisecond)
					inside.Add(-1)
					release()
				}()
			}
			wg.Wait()
			if overlap.Load() {
				t.Fatalf("two holders were inside the lock at once")
			}
		})
	}
}

func TestLock_HonoursContext(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			release, ok, _ := l.TryLock(context.Background(), "list:1")
			if !ok {
				t.Fatalf("expected TryLock to succeed")
			}
			defer release()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			if _, err := l.Lock(ctx, "list:1"); err == nil {
				t.Fatalf("expected Lock to give up when the context ends")
			}
		})
	}
}

func TestRedis_ReleaseOnlyOwnLease(t *testing.T) {
	r, mr := newRedis(t, time.Minute)
	ctx := context.Background()

	release, ok, err := r.TryLock(ctx, "campaign:9")
	if err != nil || !ok {
		t.Fatalf("TryLock() ok=%v err=%v", ok, err)
	}
	key := keyPrefix + "campaign:9"
	if mr.TTL(key) <= 0 {
		t.Fatalf("expected lease TTL to be set")
	}

	// another process took over after expiry
	mr.Set(key, "someone-else")
	release()

	got, err := mr.Get(key)
	if err != nil || got != "someone-else" {
		t.Fatalf("release must not drop a foreign lease, got %q err=%v", got, err)
	}
}

func TestRedis_LeaseExpiresWithoutHolder(t *testing.T) {
	r, mr := newRedis(t, time.Minute)
	ctx := context.Background()

	if err := mr.Set(keyPrefix+"verify:1", "crashed-holder"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mr.SetTTL(keyPrefix+"verify:1", time.Minute)

	if _, ok, _ := r.TryLock(ctx, "verify:1"); ok {
		t.Fatalf("expected key to be held")
	}
	mr.FastForward(2 * time.Minute)

	release, ok, err := r.TryLock(ctx, "verify:1")
	if err != nil || !ok {
		t.Fatalf("expected expired lease to be free, ok=%v err=%v", ok, err)
	}
	release()
}

func TestRedis_WatchdogExtendsLease(t *testing.T) {
	r, mr := newRedis(t, 90*time.Millisecond)
	ctx := context.Background()

	release, ok, err := r.TryLock(ctx, "campaign:2")
	if err != nil || !ok {
		t.Fatalf("TryLock() ok=%v err=%v", ok, err)
	}
	defer release()

	key := keyPrefix + "campaign:2"
	mr.SetTTL(key, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	// miniredis only counts TTL down on FastForward, so a full lease means
	// the watchdog ran.
	if ttl := mr.TTL(key); ttl != 90*time.Millisecond {
		t.Fatalf("expected watchdog to refresh the lease, ttl=%v", ttl)
	}
}
