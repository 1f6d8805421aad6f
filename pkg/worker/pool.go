package worker

import (
	"context"
	"errors"
	"sync"
)

// WorkerPool owns a fixed set of workers, starting them together
// and waiting for them to exit. The pool is bounded by construction;
// the number of workers pushed is the maximum concurrency.
type WorkerPool struct {
	mu      sync.Mutex
	workers []Worker
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewWorkerPool creates a new WorkerPool struct
// and initialises the 'workers' slice.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start cycles through all the workers currently inside the
// WorkerPool and creates a goroutine for each.
//
// Start does NOT block, use Wait to block until all workers
// have exited.
func (pool *WorkerPool) Start(ctx context.Context) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.wg.Add(1)
		go func(w Worker) {
			defer pool.wg.Done()
			w.Start(ctx)
		}(worker)
	}

	return nil
}

// PushWorker inserts the worker provided in to the worker pool.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers will search for sleeping workers in the pool
// and will send on their WakeupChannel to wake up sleeping workers.
func (pool *WorkerPool) WakeupWorkers() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if !pool.started || pool.closed {
		return errors.New("cannot wakeup workers on worker pool that is not running")
	}

	for _, w := range pool.workers {
		if w.Status() == Sleeping {
			select {
			case w.WakeupChan() <- 1:
			default:
			}
		}
	}

	return nil
}

// Wait blocks until every worker in the pool has exited.
func (pool *WorkerPool) Wait() { pool.wg.Wait() }

// Close will cycle through all the workers inside this
// worker pool, close their wakeup channels and wait for
// them to exit.
func (pool *WorkerPool) Close() {
	pool.mu.Lock()
	if !pool.started || pool.closed {
		pool.mu.Unlock()
		return
	}

	pool.closed = true
	for _, w := range pool.workers {
		w.Close()
	}
	pool.mu.Unlock()

	pool.wg.Wait()
}
