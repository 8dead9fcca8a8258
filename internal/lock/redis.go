package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by several processes. Each lock is a key set with
// NX and a ttl; only the holder's token can delete it.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    *slog.Logger
}

func NewRedis(client *redis.Client, prefix string, ttl, retry time.Duration, log *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, retry: retry, log: log}
}

func (r *Redis) key(k string) string {
	return fmt.Sprintf("%s:lock:%s", r.prefix, k)
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := r.key(key)
	token := uuid.NewString()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer.Reset(r.retry)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.log.Warn("release lock failed", "key", key, "error", err)
			}
		})
	}, nil
}
