package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a Redis server; set REDIS_ADDR to run.
func newTestLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return NewRedisLocker(client, Options{TTL: ttl, PollInterval: 5 * time.Millisecond}), client
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	l, _ := newTestLocker(t, 5*time.Second)
	key := "test:" + uuid.NewString()
	var inside, violations int32

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.AddInt32(&violations, 1)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Zero(t, violations)
}

func TestRedisLocker_ReleaseDeletesKey(t *testing.T) {
	l, client := newTestLocker(t, 5*time.Second)
	key := "test:" + uuid.NewString()

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	exists, err := client.Exists(context.Background(), keyPrefix+key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	unlock()
	unlock()
	exists, err = client.Exists(context.Background(), keyPrefix+key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestRedisLocker_ContextCancelledWhileWaiting(t *testing.T) {
	l, _ := newTestLocker(t, 5*time.Second)
	key := "test:" + uuid.NewString()

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_RenewKeepsLease(t *testing.T) {
	l, client := newTestLocker(t, 300*time.Millisecond)
	key := "test:" + uuid.NewString()

	unlock, err := l.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	time.Sleep(700 * time.Millisecond)
	exists, err := client.Exists(context.Background(), keyPrefix+key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestRedisLocker_LeaseLostIsReported(t *testing.T) {
	l, client := newTestLocker(t, 300*time.Millisecond)
	key := "test:" + uuid.NewString()

	unlock, lost, err := l.LockLease(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	select {
	case <-lost:
		t.Fatal("lease reported lost while held")
	case <-time.After(150 * time.Millisecond):
	}

	// another holder takes the key over, as after an expiry
	require.NoError(t, client.Set(context.Background(), keyPrefix+key, "other", time.Second).Err())

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("lost lease not reported")
	}
}
