package worker_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/wahub-id/wahub/internal/worker"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := worker.NewPool(2, 8, logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(context.Context) {
			atomic.AddInt64(&ran, 1)
			wg.Done()
		}))
	}
	wg.Wait()
	require.Equal(t, int64(5), atomic.LoadInt64(&ran))
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	p := worker.NewPool(1, 1, logrus.New())
	// no Start: nothing drains the queue

	require.NoError(t, p.Submit(func(context.Context) {}))
	require.ErrorIs(t, p.Submit(func(context.Context) {}), worker.ErrSaturated)
}

func TestPoolShutdownDrainsInFlight(t *testing.T) {
	p := worker.NewPool(1, 4, logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var done int64
	require.NoError(t, p.Submit(func(context.Context) {
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&done, 1)
	}))

	p.Shutdown()
	require.Equal(t, int64(1), atomic.LoadInt64(&done))
	require.ErrorIs(t, p.Submit(func(context.Context) {}), worker.ErrSaturated)
}

func TestSubmitRacingShutdownNeverPanics(t *testing.T) {
	for i := 0; i < 200; i++ {
		p := worker.NewPool(2, 4, logrus.New())
		ctx, cancel := context.WithCancel(context.Background())
		p.Start(ctx)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					// Either accepted or ErrSaturated; a send on the closed
					// channel would panic and fail the test.
					_ = p.Submit(func(context.Context) {})
				}
			}()
		}
		p.Shutdown()
		wg.Wait()
		cancel()

		require.ErrorIs(t, p.Submit(func(context.Context) {}), worker.ErrSaturated)
	}
}

func TestPoolRecoversFromPanickingJob(t *testing.T) {
	p := worker.NewPool(1, 4, logrus.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.NoError(t, p.Submit(func(context.Context) { panic("boom") }))

	var ran int64
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, p.Submit(func(context.Context) {
		atomic.AddInt64(&ran, 1)
		wg.Done()
	}))
	wg.Wait()
	require.Equal(t, int64(1), atomic.LoadInt64(&ran))
}
