// Package lock provides a Redis run lock so that only one orchestration loop
// works a given ledger at a time. A lease is taken with SET NX PX under a
// random token, refreshed by a heartbeat, and released with a
// compare-and-delete script so a process never frees a lease it lost.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultTTL is the lease lifetime when none is configured.
	DefaultTTL = 30 * time.Second

	// MinTTL is the shortest lease lifetime a Locker accepts.
	MinTTL = 100 * time.Millisecond
)

// ErrLocked is returned by Acquire when another holder owns the key.
var ErrLocked = errors.New("lock is held by another process")

var (
	lockAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagesync_lock_acquire_total",
		Help: "Run lock acquisition attempts by result",
	}, []string{"result"})

	lockLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagesync_lock_lost_total",
		Help: "Leases lost before release because the heartbeat could not refresh them",
	})
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Locker hands out leases on Redis keys.
type Locker struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewLocker creates a locker. A non-positive ttl selects DefaultTTL, and a
// ttl below MinTTL is raised to MinTTL.
func NewLocker(redisClient *redis.Client, ttl time.Duration, logger zerolog.Logger) *Locker {
	if redisClient == nil {
		panic("lock: redis client is nil")
	}
	switch {
	case ttl <= 0:
		ttl = DefaultTTL
	case ttl < MinTTL:
		ttl = MinTTL
	}
	return &Locker{redis: redisClient, ttl: ttl, logger: logger}
}

// Lease is a held lock. Lost is closed when the heartbeat finds the lease gone.
type Lease struct {
	locker *Locker
	key    string
	token  string

	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
	stopOnce sync.Once
}

// Acquire takes the lease on key or returns ErrLocked.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		lockAcquireTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		lockAcquireTotal.WithLabelValues("held").Inc()
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	lockAcquireTotal.WithLabelValues("acquired").Inc()

	lease := &Lease{
		locker: l,
		key:    key,
		token:  token,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go lease.heartbeat()

	l.logger.Info().
		Str("key", key).
		Str("token", token).
		Dur("ttl", l.ttl).
		Msg("Run lock acquired")
	return lease, nil
}

// Token returns the lease's unique token.
func (le *Lease) Token() string { return le.token }

// Lost is closed once the lease has been lost.
func (le *Lease) Lost() <-chan struct{} { return le.lost }

func (le *Lease) markLost() {
	le.lostOnce.Do(func() {
		lockLostTotal.Inc()
		close(le.lost)
	})
}

func (le *Lease) heartbeat() {
	defer close(le.done)

	interval := le.locker.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-le.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := refreshScript.Run(ctx, le.locker.redis, []string{le.key},
				le.token, le.locker.ttl.Milliseconds()).Int()
			cancel()

			if err != nil {
				// Transient redis errors are tolerated until the TTL lapses.
				le.locker.logger.Warn().Err(err).Str("key", le.key).Msg("Run lock refresh failed")
				continue
			}
			if n == 0 {
				le.locker.logger.Error().Str("key", le.key).Msg("Run lock lost")
				le.markLost()
				return
			}
		}
	}
}

// Release stops the heartbeat and deletes the key if it still carries this
// lease's token.
func (le *Lease) Release(ctx context.Context) error {
	le.stopOnce.Do(func() { close(le.stop) })
	<-le.done

	n, err := releaseScript.Run(ctx, le.locker.redis, []string{le.key}, le.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", le.key, err)
	}
	if n == 0 {
		le.markLost()
		le.locker.logger.Warn().Str("key", le.key).Msg("Run lock already gone at release")
		return nil
	}
	le.locker.logger.Info().Str("key", le.key).Msg("Run lock released")
	return nil
}
