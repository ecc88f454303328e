package lock

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// CronLocker lets a gocron scheduler elect one replica per job run through a Locker.
// Acquisition is attempted briefly; a replica that loses simply skips the run.
type CronLocker struct {
	locker Locker
	opts   Options
}

func NewCronLocker(l Locker, lease time.Duration) *CronLocker {
	return &CronLocker{locker: l, opts: Options{TTL: lease, Wait: 50 * time.Millisecond}}
}

func (c *CronLocker) Lock(ctx context.Context, key string) (gocron.Lock, error) {
	unlock, err := c.locker.Acquire(ctx, "cron:"+key, c.opts)
	if err != nil {
		return nil, err
	}
	return cronLock(unlock), nil
}

type cronLock Unlock

func (l cronLock) Unlock(ctx context.Context) error {
	return l(ctx)
}
