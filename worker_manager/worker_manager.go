package worker_manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/fornellas/slogxt/log"
)

type workerType struct {
	name       string
	fn         func(context.Context) error
	cancelFunc context.CancelFunc
	errCh      chan error
}

// WorkerManager manages a group of workers and coordinates their execution. Workers are torn down
// in reverse order of addition: when any worker returns, the last added one is cancelled, and
// once it returns, the others are cancelled one by one. Add producers first and consumers last.
type WorkerManager struct {
	workers []*workerType
}

// NewWorkerManager creates a new WorkerManager.
func NewWorkerManager() *WorkerManager {
	return &WorkerManager{}
}

func (wm *WorkerManager) AddWorker(name string, fn func(context.Context) error) {
	wm.workers = append([]*workerType{{name: name, fn: fn}}, wm.workers...)
}

func (wm *WorkerManager) Start(ctx context.Context) {
	ctx, logger := log.MustWithGroup(ctx, "Worker Manager > Workers")
	logger.Debug("Starting workers")
	for _, worker := range wm.workers {
		workerCtx, workerLogger := log.MustWithGroup(ctx, worker.name)
		workerCtx, worker.cancelFunc = context.WithCancel(workerCtx)
		worker.errCh = make(chan error, 1)
		go func() {
			var err error
			defer func() {
				workerLogger.Debug("Finished", "err", err)
				wm.Cancel(workerCtx)
				if r := recover(); r != nil {
					workerLogger.Error("Panic", "recovered", r, "stack", string(debug.Stack()))
					worker.errCh <- fmt.Errorf("worker %s: panic: %v", worker.name, r)
				} else {
					worker.errCh <- err
				}
			}()
			workerLogger.Debug("Starting")
			err = worker.fn(workerCtx)
		}()
	}
	logger.Debug("All workers started")
}

func (wm *WorkerManager) Cancel(ctx context.Context) {
	logger := log.MustLogger(ctx).WithGroup("Worker Manager > Cancel")
	if len(wm.workers) == 0 {
		return
	}
	worker := wm.workers[0]
	logger = logger.With("name", worker.name)
	logger.Debug("Cancelling")
	worker.cancelFunc()
}

func (wm *WorkerManager) Wait(ctx context.Context) map[string]error {
	logger := log.MustLogger(ctx).WithGroup("Worker Manager > Wait")
	logger.Debug("Waiting for all workers")
	errMap := map[string]error{}
	for i, worker := range wm.workers {
		workerLogger := logger.WithGroup(worker.name)
		if i > 0 {
			workerLogger.Debug("Cancelling")
			worker.cancelFunc()
		}
		workerLogger.Debug("Waiting")
		errMap[worker.name] = <-worker.errCh
	}
	wm.workers = nil
	logger.Debug("All workers returned")
	return errMap
}

// Run starts all workers, waits for all of them, and joins their errors. Cancellation is not
// reported as an error.
func (wm *WorkerManager) Run(ctx context.Context) error {
	order := make([]string, len(wm.workers))
	for i, worker := range wm.workers {
		order[i] = worker.name
	}
	wm.Start(ctx)
	errMap := wm.Wait(ctx)
	errs := []error{}
	for _, name := range order {
		err := errMap[name]
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}
