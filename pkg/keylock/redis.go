package keylock

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
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by several engine replicas. A lock is a lease
// (SET NX PX) renewed while held and released with a compare-and-delete, so
// a replica never frees a lease that expired and was taken by another.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets the lease duration. Default 30s.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// WithPoll sets how often a waiter retries. Default 50ms.
func WithPoll(d time.Duration) RedisOption {
	return func(r *Redis) { r.poll = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// NewRedis creates a Redis-backed locker. Keys are stored under prefix.
func NewRedis(rdb redis.UniversalClient, prefix string, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: prefix,
		ttl:    30 * time.Second,
		poll:   50 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock implements Locker.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	name := r.prefix + key
	token := uuid.New().String()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	// Renew the lease until released.
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
				n, err := extendScript.Run(context.Background(), r.rdb, []string{name}, token, r.ttl.Milliseconds()).Int()
				if err != nil {
					r.logger.Warn("extend lock lease", "key", key, "error", err)
					continue
				}
				if n == 0 {
					r.logger.Error("lock lease lost", "key", key)
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
			if err := releaseScript.Run(ctx, r.rdb, []string{name}, token).Err(); err != nil {
				r.logger.Warn("release lock", "key", key, "error", err)
			}
		})
	}, nil
}
