package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"Xinyu/server/internal/logging"
)

var (
	ErrQueueFull   = errors.New("task queue is full")
	ErrQueueClosed = errors.New("task queue is closed")
)

// Task is a unit of best-effort background work.
type Task struct {
	Name string
	Key  string // character id, for logging
	Run  func(ctx context.Context) error
}

// QueueStats is a point-in-time view of queue counters.
type QueueStats struct {
	Queued    int   `json:"queued"`
	Workers   int   `json:"workers"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// TaskQueue runs tasks on a fixed worker pool. A failing or panicking task
// is logged and never affects other tasks.
type TaskQueue struct {
	tasks      chan Task
	maxWorkers int
	logger     *slog.Logger

	mu      sync.RWMutex
	closed  bool
	workers sync.WaitGroup
	pending sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewTaskQueue(maxWorkers, maxQueueSize int, logger *slog.Logger) *TaskQueue {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if maxQueueSize <= 0 {
		maxQueueSize = 1
	}
	return &TaskQueue{
		tasks:      make(chan Task, maxQueueSize),
		maxWorkers: maxWorkers,
		logger:     logging.OrDiscard(logger).With("component", "task_queue"),
	}
}

// Start launches the workers. Tasks run with ctx.
func (q *TaskQueue) Start(ctx context.Context) {
	for i := 0; i < q.maxWorkers; i++ {
		q.workers.Add(1)
		go q.worker(ctx)
	}
}

func (q *TaskQueue) worker(ctx context.Context) {
	defer q.workers.Done()
	for task := range q.tasks {
		q.run(ctx, task)
	}
}

func (q *TaskQueue) run(ctx context.Context, task Task) {
	defer q.pending.Done()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return task.Run(ctx)
	}()

	if err != nil {
		q.failed.Inc()
		q.logger.Warn("task failed", "task", task.Name, "key", task.Key, "error", err)
		return
	}
	q.processed.Inc()
	q.logger.Debug("task done", "task", task.Name, "key", task.Key, "duration", time.Since(start))
}

// Enqueue adds a task without blocking.
func (q *TaskQueue) Enqueue(task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.pending.Add(1)
	select {
	case q.tasks <- task:
		return nil
	default:
		q.pending.Done()
		q.dropped.Inc()
		q.logger.Warn("queue full, dropping task", "task", task.Name, "key", task.Key)
		return ErrQueueFull
	}
}

// Wait blocks until every enqueued task has finished.
func (q *TaskQueue) Wait() {
	q.pending.Wait()
}

// Stop refuses new tasks, lets queued ones finish and stops the workers.
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.workers.Wait()
}

func (q *TaskQueue) Stats() QueueStats {
	return QueueStats{
		Queued:    len(q.tasks),
		Workers:   q.maxWorkers,
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
	}
}
