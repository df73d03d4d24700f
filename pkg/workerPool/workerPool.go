// Package workerpool runs jobs on a fixed set of goroutines. Jobs are grouped
// into rooms; a room collects the results of its own jobs in submission
// order.
package workerpool

import (
	"runtime"
	"sync"

	"go.uber.org/multierr"
)

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

type WorkerPool struct {
	config    Config
	taskQueue chan func()
	workers   sync.WaitGroup
	closeOnce sync.Once
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
	}
	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for task := range wp.taskQueue {
		task()
	}
}

// Close stops the workers after the queued tasks are done. No task may be
// submitted afterwards.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.taskQueue)
		wp.workers.Wait()
	})
}

// Room collects results of type T. Jobs must not submit to a room of the
// same pool and wait for it, that can starve the workers.
type Room[T any] struct {
	wp      *WorkerPool
	wg      sync.WaitGroup
	mu      sync.Mutex
	results []T
	err     error
}

func NewRoom[T any](wp *WorkerPool) *Room[T] {
	return &Room[T]{wp: wp}
}

// NewTaskWaitForFreeSlot queues job, blocking while the pool queue is full.
func (ro *Room[T]) NewTaskWaitForFreeSlot(job func() (T, error)) {
	ro.mu.Lock()
	index := len(ro.results)
	var zero T
	ro.results = append(ro.results, zero)
	ro.mu.Unlock()

	ro.wg.Add(1)
	ro.wp.taskQueue <- func() {
		defer ro.wg.Done()
		result, err := job()

		ro.mu.Lock()
		defer ro.mu.Unlock()
		if err != nil {
			ro.err = multierr.Append(ro.err, err)
			return
		}
		ro.results[index] = result
	}
}

// Collect waits for all jobs of the room. Results are in submission order;
// failed jobs leave the zero value in their slot and their errors are
// combined.
func (ro *Room[T]) Collect() ([]T, error) {
	ro.wg.Wait()

	ro.mu.Lock()
	defer ro.mu.Unlock()
	return ro.results, ro.err
}
