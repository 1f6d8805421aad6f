package worker

import (
	"context"
	"sync/atomic"

	"github.com/hbomb79/Siphon/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int32

	// TaskFn is the function a worker repeatedly executes. It should
	// return true if it performed work (in which case it is called again
	// immediately), or false if there was nothing to do (in which case the
	// worker sleeps until woken). A non-nil error stops the worker.
	TaskFn func(Worker) (bool, error)
)

const (
	Sleeping WorkerStatus = iota
	Working
	Finished
)

type Worker interface {
	Start(context.Context)
	Status() WorkerStatus
	WakeupChan() WorkerWakeupChan
	Label() string
	Sleep(context.Context) bool
	Close()
}

type taskWorker struct {
	label         string
	task          TaskFn
	wakeupChan    WorkerWakeupChan
	currentStatus atomic.Int32
}

func NewWorker(label string, task TaskFn) *taskWorker {
	return &taskWorker{
		label:      label,
		task:       task,
		wakeupChan: make(WorkerWakeupChan, 1),
	}
}

// Start runs the workers task until the task returns an error,
// the context is cancelled, or the workers wakeup channel is closed.
func (worker *taskWorker) Start(ctx context.Context) {
	workerLogger.Emit(logger.VERBOSE, "Starting worker %s\n", worker.label)
	worker.setStatus(Working)
	defer func() {
		worker.setStatus(Finished)
		workerLogger.Emit(logger.VERBOSE, "Worker %s has stopped\n", worker.label)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		worked, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.DEBUG, "Worker %s has reported an error(%T): %v\n", worker.label, err, err)
			return
		}

		if !worked && !worker.Sleep(ctx) {
			return
		}
	}
}

// Status returns the current status of this worker
func (worker *taskWorker) Status() WorkerStatus {
	return WorkerStatus(worker.currentStatus.Load())
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

// Close closes the Worker by closing the WakeChan.
// Note that this does not interupt currently running
// tasks.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Label returns the label for this worker
func (worker *taskWorker) Label() string {
	return worker.label
}

// Sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine. Returns a boolean that
// is 'false' if the wakeup channel was closed or the context
// was cancelled - indicating the worker should quit.
func (worker *taskWorker) Sleep(ctx context.Context) (isAlive bool) {
	worker.setStatus(Sleeping)

	select {
	case _, isAlive = <-worker.wakeupChan:
	case <-ctx.Done():
		isAlive = false
	}

	if isAlive {
		worker.setStatus(Working)
	} else {
		workerLogger.Emit(logger.VERBOSE, "Worker '%v' woken for shutdown - worker is exiting\n", worker.label)
		worker.setStatus(Finished)
	}

	return isAlive
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.currentStatus.Store(int32(status))
}
