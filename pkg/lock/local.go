package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"competition-engine/pkg/errutil"
)

// LocalLocker serializes holders of the same key inside one process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localEntry)}
}

func (l *LocalLocker) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, opts Options) (Unlock, error) {
	opts = opts.withDefaults()
	start := time.Now()
	e := l.ref(key)

	timer := time.NewTimer(opts.Wait)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		observe("local", start, ctx.Err())
		return nil, errutil.Timeout("lock acquisition cancelled", ctx.Err())
	case <-timer.C:
		l.unref(key, e)
		observe("local", start, ErrLockTimeout)
		return nil, fmt.Errorf("%s: %w", key, ErrLockTimeout)
	}
	observe("local", start, nil)

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-e.ch
			l.unref(key, e)
		})
		return nil
	}, nil
}
