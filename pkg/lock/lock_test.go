package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nais/envdeploy/pkg/lock"
)

func TestMemoryFailFast(t *testing.T) {
	locker := lock.NewMemory(0)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "production")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "production")
	assert.ErrorIs(t, err, lock.ErrContended)

	// Other environments are unaffected.
	other, err := locker.Acquire(ctx, "sandbox")
	require.NoError(t, err)
	assert.NoError(t, other.Release())

	assert.NoError(t, lease.Release())

	lease, err = locker.Acquire(ctx, "production")
	require.NoError(t, err)
	assert.NoError(t, lease.Release())
}

func TestMemoryTimeout(t *testing.T) {
	locker := lock.NewMemory(50 * time.Millisecond)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "production")
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, err = locker.Acquire(ctx, "production")
	assert.ErrorIs(t, err, lock.ErrContended)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryWaitsForRelease(t *testing.T) {
	locker := lock.NewMemory(time.Second)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "production")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		lease.Release()
	}()

	second, err := locker.Acquire(ctx, "production")
	require.NoError(t, err)
	assert.NoError(t, second.Release())
}

func TestMemoryContextCancelled(t *testing.T) {
	locker := lock.NewMemory(time.Minute)

	lease, err := locker.Acquire(context.Background(), "production")
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locker.Acquire(ctx, "production")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryDoubleReleaseIsHarmless(t *testing.T) {
	locker := lock.NewMemory(0)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "production")
	require.NoError(t, err)
	assert.NoError(t, lease.Release())
	assert.NoError(t, lease.Release())

	second, err := locker.Acquire(ctx, "production")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "production")
	assert.ErrorIs(t, err, lock.ErrContended)
	assert.NoError(t, second.Release())
}

func TestMemoryMutualExclusion(t *testing.T) {
	locker := lock.NewMemory(5 * time.Second)
	ctx := context.Background()

	var holders, maxHolders int32
	wg := sync.WaitGroup{}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := locker.Acquire(ctx, "production")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				m := atomic.LoadInt32(&maxHolders)
				if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			lease.Release()
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), maxHolders)
}
