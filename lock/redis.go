/*
Package lock provides a Redis lease satisfying settlement.Locker.

PURPOSE:
  Claims on one lot position must not run concurrently across service
  instances. KeyedMutex covers a single process; RedisLocker extends the
  same contract to every instance sharing a Redis.

PROTOCOL:
  acquire: SET key token NX PX ttl, polled until it succeeds or ctx ends
  renew:   every ttl/3 while held, PEXPIRE only if the value is still token
  release: DEL only if the value is still token (Lua compare-and-delete)

  A holder that stalls past ttl loses the lease. LockLease reports that on
  its lost channel: closed when a renewal finds another token, or when no
  renewal has succeeded for a full ttl. The coordinator checks it before the
  claim-date commit.

SEE ALSO:
  - settlement/lock.go: Locker interface and KeyedMutex
*/
package lock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/AzimPower/investpro-sub001/settlement"
)

var _ settlement.LeaseLocker = (*RedisLocker)(nil)

const (
	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 25 * time.Millisecond
	keyPrefix           = "settlement:lock:"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type RedisLocker struct {
	client       redis.UniversalClient
	ttl          time.Duration
	pollInterval time.Duration
	log          logrus.FieldLogger
}

type Options struct {
	TTL          time.Duration
	PollInterval time.Duration
	Logger       logrus.FieldLogger
}

func NewRedisLocker(client redis.UniversalClient, opts Options) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &RedisLocker{
		client:       client,
		ttl:          opts.TTL,
		pollInterval: opts.PollInterval,
		log:          opts.Logger,
	}
}

// Lock blocks until the lease for key is held or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlock, _, err := l.LockLease(ctx, key)
	return unlock, err
}

// LockLease is Lock plus a channel closed if the lease is lost while held.
func (l *RedisLocker) LockLease(ctx context.Context, key string) (func(), <-chan struct{}, error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, fmt.Errorf("%w: acquire lock %s: %v", settlement.ErrStoreUnavailable, key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	lost := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.renew(redisKey, token, stop, lost)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			// the caller's ctx may be gone by now; release regardless
			releaseCtx, cancel := context.WithTimeout(context.Background(), l.ttl)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.log.WithError(err).WithField("lock_key", key).Warn("lock release failed, lease expires on its own")
			}
		})
	}, lost, nil
}

// renew extends the lease every ttl/3 until stop. It closes lost and
// returns once the lease is gone.
func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}, lost chan<- struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			held, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				if time.Since(renewed) < l.ttl {
					l.log.WithError(err).WithField("lock_key", redisKey).Warn("lock renewal failed")
					continue
				}
				l.log.WithError(err).WithField("lock_key", redisKey).Error("lock lease expired without renewal")
				close(lost)
				return
			}
			if held == 0 {
				l.log.WithField("lock_key", redisKey).Error("lock lease lost")
				close(lost)
				return
			}
			renewed = time.Now()
		}
	}
}
