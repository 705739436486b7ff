package task

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/chalford/parchment-api/internal/domain"
)

// TaskRunnerConfig holds configuration for the task runner
type TaskRunnerConfig struct {
	// WorkerCount determines how many concurrent workers process tasks
	WorkerCount int

	// QueueSize determines the buffer size for the in-memory task queue
	QueueSize int

	// MaxAttempts bounds how many times a task is executed in total.
	// Only transient failures are retried; the first permanent failure is
	// terminal regardless of remaining attempts.
	MaxAttempts int

	// RetryBaseDelay is the backoff base: delay = base * 2^attempt, capped
	// at RetryMaxDelay, with jitter.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration

	// StuckTaskAge defines how long a task can be in processing state
	// before it's considered stuck and reset
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck tasks
	// If zero, defaults to 5 minutes
	StuckTaskCheckInterval time.Duration
}

// DefaultTaskRunnerConfig returns a TaskRunnerConfig with reasonable defaults
func DefaultTaskRunnerConfig() TaskRunnerConfig {
	return TaskRunnerConfig{
		WorkerCount:            4,
		QueueSize:              128,
		MaxAttempts:            4,
		RetryBaseDelay:         2 * time.Second,
		RetryMaxDelay:          2 * time.Minute,
		StuckTaskAge:           30 * time.Minute,
		StuckTaskCheckInterval: 5 * time.Minute,
	}
}

// TaskRunner manages background task processing with at-least-once delivery:
// tasks are persisted before they are enqueued, recovered from the store on
// startup, and acknowledged (marked completed) only after Execute returns.
// Retries of one task instance run serialized on a single worker; two
// concurrent attempts of the same instance cannot happen.
type TaskRunner struct {
	store      TaskStore
	queue      *TaskQueue
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	config     TaskRunnerConfig
	logger     *slog.Logger
	errHandler func(task Task, err error)
	rng        *rand.Rand
	rngMu      sync.Mutex
}

// NewTaskRunner creates a new TaskRunner
func NewTaskRunner(store TaskStore, config TaskRunnerConfig, logger *slog.Logger) *TaskRunner {
	if config.StuckTaskCheckInterval == 0 {
		config.StuckTaskCheckInterval = 5 * time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 2 * time.Second
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &TaskRunner{
		store:      store,
		queue:      NewTaskQueue(config.QueueSize, logger),
		ctx:        ctx,
		cancelFunc: cancel,
		wg:         sync.WaitGroup{},
		config:     config,
		logger:     logger,
		errHandler: func(task Task, err error) {
			logger.Error("task execution failed",
				"task_id", task.ID(),
				"task_type", task.Type(),
				"error", err)
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetErrorHandler allows setting a custom error handler function
func (r *TaskRunner) SetErrorHandler(handler func(task Task, err error)) {
	r.errHandler = handler
}

// Submit adds a new task to the queue
func (r *TaskRunner) Submit(ctx context.Context, task Task) error {
	// Save task to database first
	if err := r.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	// Then add to in-memory queue
	if err := r.queue.Enqueue(task); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Enqueue hands an already-persisted task to the workers without touching
// the store. Callers that wrote the task row inside their own transaction
// use this after commit; if the queue is full the row stays behind for
// Recover.
func (r *TaskRunner) Enqueue(task Task) error {
	if err := r.queue.Enqueue(task); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// SubmitGroup persists and enqueues a set of tasks dispatched together.
// Members execute independently and in parallel; failure of one does not
// cancel the others. Persistence happens for every member before any is
// enqueued so a crash mid-submit leaves recoverable rows, not lost work.
func (r *TaskRunner) SubmitGroup(ctx context.Context, tasks []Task) error {
	for _, t := range tasks {
		if err := r.store.SaveTask(ctx, t); err != nil {
			return fmt.Errorf("failed to save group task %s: %w", t.ID(), err)
		}
	}

	var firstErr error
	for _, t := range tasks {
		if err := r.queue.Enqueue(t); err != nil {
			// Saved but not enqueued; recovery will pick it up.
			r.logger.Error("group task left for recovery",
				"task_id", t.ID(),
				"task_type", t.Type(),
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Start initializes the worker pool and begins processing tasks
func (r *TaskRunner) Start() error {
	// Recover unfinished tasks from previous runs
	if err := r.Recover(); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	// Start worker goroutines
	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	// Start goroutine to check for stuck tasks periodically
	r.wg.Add(1)
	go r.stuckTaskMonitor()

	return nil
}

// Stop gracefully shuts down the task runner
func (r *TaskRunner) Stop() {
	r.cancelFunc()
	r.wg.Wait()
	r.queue.Close()
}

// Recover loads any unfinished tasks from the database
func (r *TaskRunner) Recover() error {
	ctx := context.Background()

	// Get tasks that were in "pending" state
	pendingTasks, err := r.store.GetPendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to get pending tasks: %w", err)
	}

	// Get tasks that were in "processing" state (potentially interrupted by a crash)
	processingTasks, err := r.store.GetProcessingTasks(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to get processing tasks: %w", err)
	}

	r.logger.Info("recovering unfinished tasks",
		"pending_count", len(pendingTasks),
		"processing_count", len(processingTasks))

	// Requeue pending tasks
	for _, task := range pendingTasks {
		if err := r.queue.Enqueue(task); err != nil {
			r.logger.Error("failed to requeue pending task",
				"task_id", task.ID(),
				"task_type", task.Type(),
				"error", err)
		}
	}

	// Reset processing tasks back to pending state and requeue them
	for _, task := range processingTasks {
		if err := r.store.UpdateTaskStatus(ctx, task.ID(), TaskStatusPending, "Reset after recovery"); err != nil {
			r.logger.Error("failed to reset processing task status",
				"task_id", task.ID(),
				"task_type", task.Type(),
				"error", err)
			continue
		}

		if err := r.queue.Enqueue(task); err != nil {
			r.logger.Error("failed to requeue processing task",
				"task_id", task.ID(),
				"task_type", task.Type(),
				"error", err)
		}
	}

	return nil
}

// worker processes tasks from the queue
func (r *TaskRunner) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("stopping worker", "worker_id", id)
			return

		case task, ok := <-r.queue.GetChannel():
			if !ok {
				r.logger.Debug("task channel closed, stopping worker", "worker_id", id)
				return
			}

			r.processTask(task, id)
		}
	}
}

// processTask handles execution of a single task, including the retry loop.
// The status row is moved to completed or failed only after the final
// Execute returns, i.e. after the task's side effects are durable.
func (r *TaskRunner) processTask(task Task, workerID int) {
	ctx := context.Background()
	logger := r.logger.With(
		"task_id", task.ID(),
		"task_type", task.Type(),
		"worker_id", workerID,
	)

	// Update task status to processing
	if err := r.store.UpdateTaskStatus(ctx, task.ID(), TaskStatusProcessing, ""); err != nil {
		logger.Error("failed to update task status to processing", "error", err)
		return
	}

	logger.Info("processing task")

	var err error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		err = task.Execute(ctx)
		if err == nil {
			break
		}

		if !domain.IsRetryable(err) {
			logger.Error("task failed permanently",
				"attempt", attempt+1,
				"error", err)
			break
		}

		if attempt == r.config.MaxAttempts-1 {
			logger.Error("task exhausted retry budget",
				"attempts", r.config.MaxAttempts,
				"error", err)
			break
		}

		delay := r.backoff(attempt)
		logger.Warn("transient task failure, retrying",
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", err)

		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			logger.Warn("runner stopping, abandoning retries")
			// Leave the row in processing; recovery resets it on restart.
			return
		}
	}

	if err != nil {
		if updateErr := r.store.UpdateTaskStatus(ctx, task.ID(), TaskStatusFailed, err.Error()); updateErr != nil {
			logger.Error("failed to update task status to failed", "error", updateErr)
		}
		// Let the task settle its domain rows; the dispatcher will not
		// execute it again.
		if abandoner, ok := task.(Abandoner); ok {
			abandoner.Abandon(ctx, err)
		}
		r.errHandler(task, err)
		return
	}

	logger.Info("task completed successfully")
	if updateErr := r.store.UpdateTaskStatus(ctx, task.ID(), TaskStatusCompleted, ""); updateErr != nil {
		logger.Error("failed to update task status to completed", "error", updateErr)
	}
}

// backoff returns the delay before retry number attempt+1:
// base * 2^attempt, capped, scaled by a jitter factor in [0.5, 1.0].
func (r *TaskRunner) backoff(attempt int) time.Duration {
	delay := float64(r.config.RetryBaseDelay) * math.Pow(2, float64(attempt))
	if max := float64(r.config.RetryMaxDelay); delay > max {
		delay = max
	}

	r.rngMu.Lock()
	jitter := 0.5 + r.rng.Float64()*0.5
	r.rngMu.Unlock()

	return time.Duration(delay * jitter)
}

// stuckTaskMonitor periodically checks for tasks that have been in "processing"
// state for too long and resets them
func (r *TaskRunner) stuckTaskMonitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.StuckTaskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			ctx := context.Background()

			stuckTasks, err := r.store.GetProcessingTasks(ctx, r.config.StuckTaskAge)
			if err != nil {
				r.logger.Error("failed to check for stuck tasks", "error", err)
				continue
			}

			if len(stuckTasks) == 0 {
				continue
			}

			r.logger.Info("found stuck tasks", "count", len(stuckTasks))

			for _, task := range stuckTasks {
				if err := r.store.UpdateTaskStatus(ctx, task.ID(), TaskStatusPending,
					"Reset after being stuck in processing state"); err != nil {
					r.logger.Error("failed to reset stuck task status",
						"task_id", task.ID(),
						"task_type", task.Type(),
						"error", err)
					continue
				}

				if err := r.queue.Enqueue(task); err != nil {
					r.logger.Error("failed to requeue stuck task",
						"task_id", task.ID(),
						"task_type", task.Type(),
						"error", err)
					continue
				}
				r.logger.Info("requeued stuck task",
					"task_id", task.ID(),
					"task_type", task.Type())
			}
		}
	}
}
