package keylock_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/keylock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "acme/revenue", keylock.Key("acme", "revenue"))
	assert.NotEqual(t, keylock.Key("a/b", "c"), keylock.Key("a", "b/c"))
	assert.NotEqual(t, keylock.Key("a%2Fb", "c"), keylock.Key("a/b", "c"))
	assert.Equal(t, "a%2Fb/c", keylock.Key("a/b", "c"))
}

func exerciseMutualExclusion(t *testing.T, l keylock.Locker) {
	t.Helper()
	ctx := context.Background()

	var inside, maxInside, total int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "acme/revenue")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			atomic.AddInt32(&total, 1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(20), total)
}

func TestLocal_MutualExclusion(t *testing.T) {
	l := keylock.NewLocal()
	exerciseMutualExclusion(t, l)
	assert.Zero(t, l.Len())
}

func TestLocal_IndependentKeys(t *testing.T) {
	l := keylock.NewLocal()
	ctx := context.Background()

	a, err := l.Lock(ctx, "acme/revenue")
	require.NoError(t, err)
	defer a()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	b, err := l.Lock(ctx, "globex/revenue")
	require.NoError(t, err)
	b()
}

func TestLocal_ContextCancelWhileWaiting(t *testing.T) {
	l := keylock.NewLocal()

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Zero(t, l.Len())

	again, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestRedis_MutualExclusion(t *testing.T) {
	addr := os.Getenv("KPI_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KPI_TEST_REDIS_ADDR not set, skipping test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}

	l := keylock.NewRedis(rdb, "kpi-test:lock:", keylock.WithTTL(2*time.Second), keylock.WithPoll(5*time.Millisecond))
	exerciseMutualExclusion(t, l)
}
