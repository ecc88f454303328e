// Package lock provides named exclusive locks with bounded acquisition.
package lock

import (
	"context"
	"time"

	"competition-engine/pkg/errutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrLockTimeout = errutil.Timeout("lock acquisition timed out", nil)

var lockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "named_lock_wait_seconds",
	Help:    "Time spent waiting for a named lock",
	Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
}, []string{"backend", "outcome"})

// Options bounds a lock acquisition. TTL is the lease lifetime for backends that expire
// locks; Wait is how long Acquire keeps retrying before returning ErrLockTimeout.
type Options struct {
	TTL  time.Duration
	Wait time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.Wait <= 0 {
		o.Wait = 5 * time.Second
	}
	return o
}

// Unlock releases a held lock. It is safe to call once.
type Unlock func(ctx context.Context) error

type Locker interface {
	Acquire(ctx context.Context, key string, opts Options) (Unlock, error)
}

// WithLock runs fn while holding key. Release failures are returned only if fn succeeded.
func WithLock(ctx context.Context, l Locker, key string, opts Options, fn func(ctx context.Context) error) (err error) {
	unlock, err := l.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		// release on a fresh context so a cancelled caller still frees the key
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rerr := unlock(relCtx); rerr != nil && err == nil {
			err = rerr
		}
	}()

	return fn(ctx)
}

func observe(backend string, start time.Time, err error) {
	outcome := "acquired"
	if err != nil {
		outcome = "timeout"
	}
	lockWait.WithLabelValues(backend, outcome).Observe(time.Since(start).Seconds())
}
