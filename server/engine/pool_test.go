package engine

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsEveryTaskOnce(t *testing.T) {
	const tasks = 10000
	p := NewWorkerPool(8)

	var counts [tasks]atomic.Int32
	var wg sync.WaitGroup
	wg.Add(tasks)
	for i := range tasks {
		i := i
		p.Submit(func() {
			counts[i].Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	p.Shutdown()

	for i := range tasks {
		require.Equal(t, int32(1), counts[i].Load(), "task %d run count", i)
	}
}

// With a single worker the queue order is the execution order.
func TestWorkerPoolFIFO(t *testing.T) {
	p := NewWorkerPool(1)

	var mu sync.Mutex
	var order []int
	for i := range 100 {
		i := i
		p.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	p.Shutdown()

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	p := NewWorkerPool(2)
	var ran atomic.Int32
	for range 50 {
		p.Submit(func() { ran.Add(1) })
	}
	p.Shutdown()
	assert.Equal(t, int32(50), ran.Load())
}

func TestSubmitAfterShutdownPanics(t *testing.T) {
	p := NewWorkerPool(1)
	p.Shutdown()
	assert.Panics(t, func() { p.Submit(func() {}) })
}
