package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"sentinel/metrics"
	"sentinel/util/goroutine"

	"go.uber.org/zap"
)

var (
	// ErrWorkerPoolNotRunning is returned by Submit before Start or after Stop
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	// ErrWorkerPoolQueueFull is returned when the task queue has no room
	ErrWorkerPoolQueueFull = errors.New("worker pool queue is full")
)

// WorkerPool runs background tasks on a fixed number of goroutines. The alert
// dispatcher uses it for persistence retries that outlive the request.
type WorkerPool struct {
	name    string
	workers int
	taskCh  chan func(ctx context.Context)
	wg      sync.WaitGroup
	logger  *zap.SugaredLogger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a pool whose tasks observe a context derived from parent.
// Workers are not started until Start is called.
func NewWorkerPool(parent context.Context, name string, workers, queueSize int, logger *zap.SugaredLogger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &WorkerPool{
		name:    name,
		workers: workers,
		taskCh:  make(chan func(ctx context.Context), queueSize),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing tasks
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.running {
		return
	}
	wp.running = true
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.name).Set(float64(wp.workers))
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop cancels in-flight tasks and waits up to timeout for workers to exit.
func (wp *WorkerPool) Stop(timeout time.Duration) {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.cancel()
	close(wp.taskCh)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool", wp.name)
	case <-time.After(timeout):
		wp.logger.Errorw("Worker pool shutdown timed out", "pool", wp.name, "timeout", timeout)
	}
	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.name).Set(0)
}

// Submit queues a task without blocking.
func (wp *WorkerPool) Submit(task func(ctx context.Context)) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}
	select {
	case wp.taskCh <- task:
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.name).Set(float64(len(wp.taskCh)))
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover("worker-pool-"+wp.name, wp.logger)

	for task := range wp.taskCh {
		if wp.ctx.Err() != nil {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					wp.logger.Errorw("Task panicked in worker", "pool", wp.name, "worker_id", id, "panic", r)
				}
			}()
			task(wp.ctx)
			metrics.WorkerPoolTasksProcessed.WithLabelValues(wp.name).Inc()
		}()
	}
}
