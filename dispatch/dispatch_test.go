package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	return New(zap.NewNop().Sugar())
}

func shutdown(t *testing.T, d *Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
}

func TestThreadPerUnit(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := newTestDispatcher(t)

	var wg sync.WaitGroup
	results := make(chan error, 3)
	release := make(chan struct{})
	var running atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		err := d.Dispatch(Task{
			Name: "unit",
			Run: func(ctx context.Context) error {
				running.Add(1)
				wg.Done()
				<-release
				return nil
			},
			Done: func(err error) { results <- err },
		})
		require.NoError(t, err)
	}
	// all three run at once without a pool
	wg.Wait()
	assert.Equal(t, int32(3), running.Load())
	close(release)
	for i := 0; i < 3; i++ {
		assert.NoError(t, <-results)
	}
	shutdown(t, d)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := newTestDispatcher(t)
	require.NoError(t, d.InstallPool(5, 0))
	assert.Equal(t, 5, d.PoolSize())

	var (
		current   atomic.Int32
		maxSeen   atomic.Int32
		completed atomic.Int32
		wg        sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := d.Dispatch(Task{
			Name: "unit",
			Run: func(ctx context.Context) error {
				n := current.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return nil
			},
			Done: func(err error) {
				completed.Add(1)
				wg.Done()
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int32(10), completed.Load())
	assert.LessOrEqual(t, maxSeen.Load(), int32(5))
	assert.Greater(t, maxSeen.Load(), int32(1))
	shutdown(t, d)
}

func TestInstallPoolTwice(t *testing.T) {
	d := newTestDispatcher(t)
	defer shutdown(t, d)
	require.NoError(t, d.InstallPool(2, 4))
	assert.ErrorIs(t, d.InstallPool(2, 4), ErrPoolInstalled)
}

func TestInstallPoolRejectsZero(t *testing.T) {
	d := newTestDispatcher(t)
	defer shutdown(t, d)
	assert.Error(t, d.InstallPool(0, 4))
}

func TestPoolQueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := newTestDispatcher(t)
	require.NoError(t, d.InstallPool(1, 1))

	started := make(chan struct{})
	release := make(chan struct{})
	block := Task{
		Name: "blocker",
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	require.NoError(t, d.Dispatch(block))
	<-started
	// The worker is busy. The pool loop may hold one more task while it waits for a free
	// worker and the queue holds one, so the third task has nowhere to go.
	var errs []error
	for i := 0; i < 3; i++ {
		errs = append(errs, d.Dispatch(Task{Name: "queued", Run: func(ctx context.Context) error { return nil }}))
	}
	assert.ErrorIs(t, errors.Join(errs...), ErrQueueFull)

	close(release)
	shutdown(t, d)
}

func TestPanicIsReported(t *testing.T) {
	d := newTestDispatcher(t)
	defer shutdown(t, d)

	result := make(chan error, 1)
	require.NoError(t, d.Dispatch(Task{
		Name: "panics",
		Run:  func(ctx context.Context) error { panic("boom") },
		Done: func(err error) { result <- err },
	}))
	err := <-result
	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	assert.Equal(t, "boom", panicErr.Value)
}

func TestShutdownCancelsAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := newTestDispatcher(t)
	require.NoError(t, d.InstallPool(1, 8))

	var results []error
	var mut sync.Mutex
	record := func(err error) {
		mut.Lock()
		defer mut.Unlock()
		results = append(results, err)
	}
	waitCtx := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(Task{Name: "waits", Run: waitCtx, Done: record}))
	}
	shutdown(t, d)

	mut.Lock()
	defer mut.Unlock()
	require.Len(t, results, 3)
	for _, err := range results {
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.ErrorIs(t, d.Dispatch(Task{Name: "late", Run: waitCtx}), ErrStopped)
}
