package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMonitoredPoolExecute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewMonitoredPool(ctx, &PoolSettings{
		MaxWorkers: 4,
		QueueSize:  64,
	})
	defer pool.Close()

	n := 256
	var count atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		pool.Execute(func() {
			count.Add(1)
			wg.Done()
		})
	}
	wg.Wait()

	assert.Equal(t, count.Load(), int64(n))
	waitFor(t, func() bool {
		return pool.Tasks() == int64(n)
	})
	assert.Equal(t, pool.MaxBusyWorkers() <= 4, true)
	assert.Equal(t, 0 < pool.MaxBusyWorkers(), true)
	assert.Equal(t, time.Duration(0) <= pool.AverageQueueLatency(), true)
	assert.Equal(t, pool.AverageTaskLatency() <= pool.MaxTaskLatency(), true)
}

func TestMonitoredPoolPanicRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewMonitoredPool(ctx, &PoolSettings{
		MaxWorkers: 2,
		QueueSize:  8,
	})
	defer pool.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	pool.Execute(func() {
		defer wg.Done()
		panic("job failure must not kill the worker")
	})
	pool.Execute(func() {
		wg.Done()
	})
	wg.Wait()

	// both jobs ran even though the first panicked
	waitFor(t, func() bool {
		return pool.Tasks() == 2
	})
}

func TestMonitoredPoolReset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewMonitoredPool(ctx, &PoolSettings{
		MaxWorkers: 2,
		QueueSize:  8,
	})
	defer pool.Close()

	var wg sync.WaitGroup
	wg.Add(8)
	for range 8 {
		pool.Execute(func() {
			wg.Done()
		})
	}
	wg.Wait()
	waitFor(t, func() bool {
		return pool.Tasks() == 8
	})

	pool.Reset()
	assert.Equal(t, pool.Tasks(), int64(0))
	assert.Equal(t, pool.AverageQueueLatency(), time.Duration(0))
	assert.Equal(t, pool.MaxTaskLatency(), time.Duration(0))
}

func TestMonitoredPoolExecuteAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewMonitoredPool(ctx, &PoolSettings{
		MaxWorkers: 2,
		QueueSize:  8,
	})
	pool.Close()

	// jobs run inline once the pool is closed
	ran := false
	pool.Execute(func() {
		ran = true
	})
	assert.Equal(t, ran, true)
}

func waitFor(t *testing.T, condition func() bool) {
	timeout := time.After(5 * time.Second)
	for !condition() {
		select {
		case <-timeout:
			t.Fatalf("Timeout waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
