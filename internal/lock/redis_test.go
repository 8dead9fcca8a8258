package lock_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"formline/internal/lock"
)

// newRedisLocker connects to FORMLINE_TEST_REDIS_ADDR and skips without it.
func newRedisLocker(t *testing.T, ttl time.Duration) (*lock.Redis, *redis.Client, string) {
	t.Helper()
	addr := os.Getenv("FORMLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FORMLINE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	prefix := "formline-test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return lock.NewRedis(client, prefix, ttl, 10*time.Millisecond, log), client, prefix
}

func TestRedisLockContention(t *testing.T) {
	l, _, _ := newRedisLocker(t, 5*time.Second)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "application:a1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(waitCtx, "application:a1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while held, got %v", err)
	}
	other, err := l.Lock(ctx, "application:a2")
	if err != nil {
		t.Fatalf("other key should not wait: %v", err)
	}
	other()

	unlock()
	unlock()
	again, err := l.Lock(ctx, "application:a1")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}

func TestRedisReleaseKeepsNewHolder(t *testing.T) {
	l, client, prefix := newRedisLocker(t, 5*time.Second)
	ctx := context.Background()
	key := prefix + ":lock:program:aid"

	stale, err := l.Lock(ctx, "program:aid")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// the first holder's lease lapses and another process takes over
	if err := client.Del(ctx, key).Err(); err != nil {
		t.Fatalf("expire: %v", err)
	}
	current, err := l.Lock(ctx, "program:aid")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	holder, err := client.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("get holder: %v", err)
	}

	stale()
	got, err := client.Get(ctx, key).Result()
	if err != nil || got != holder {
		t.Fatalf("stale release removed the new holder: %q %v", got, err)
	}
	current()
	if n, _ := client.Exists(ctx, key).Result(); n != 0 {
		t.Fatalf("expected key released by its holder")
	}
}

func TestRedisLockExpiresWithTTL(t *testing.T) {
	l, _, _ := newRedisLocker(t, 150*time.Millisecond)
	ctx := context.Background()

	if _, err := l.Lock(ctx, "question:age"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	unlock, err := l.Lock(waitCtx, "question:age")
	if err != nil {
		t.Fatalf("expected lock after ttl: %v", err)
	}
	defer unlock()
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("second holder should have waited for the ttl")
	}
}

func TestRedisLockAll(t *testing.T) {
	l, client, prefix := newRedisLocker(t, 5*time.Second)
	ctx := context.Background()

	unlock, err := lock.LockAll(ctx, l, "question:b", "question:a", "question:a")
	if err != nil {
		t.Fatalf("lock all: %v", err)
	}
	n, err := client.Exists(ctx, prefix+":lock:question:a", prefix+":lock:question:b").Result()
	if err != nil || n != 2 {
		t.Fatalf("expected both keys held, got %d %v", n, err)
	}
	unlock()
	if n, _ := client.Exists(ctx, prefix+":lock:question:a", prefix+":lock:question:b").Result(); n != 0 {
		t.Fatalf("expected both keys released, got %d", n)
	}
}
