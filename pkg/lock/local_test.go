package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"competition-engine/pkg/errutil"

	"github.com/stretchr/testify/require"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(ctx, l, "ledger:lock:1:CORE", Options{Wait: 5 * time.Second}, func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	require.Empty(t, l.locks)
}

func TestLocalLocker_Timeout(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "k", Options{})
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "k", Options{Wait: 20 * time.Millisecond})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLockTimeout))
	require.True(t, errutil.IsRetryable(err))

	require.NoError(t, unlock(ctx))

	unlock, err = l.Acquire(ctx, "k", Options{Wait: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	u1, err := l.Acquire(ctx, "a", Options{})
	require.NoError(t, err)
	u2, err := l.Acquire(ctx, "b", Options{Wait: 20 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, u1(ctx))
	require.NoError(t, u2(ctx))
}

func TestWithLock_PropagatesError(t *testing.T) {
	l := NewLocalLocker()
	boom := errors.New("boom")

	err := WithLock(context.Background(), l, "k", Options{}, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// released despite the error
	unlock, err := l.Acquire(context.Background(), "k", Options{Wait: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, unlock(context.Background()))
}
