package poller

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result holds the outcome of one task read.
type Result struct {
	// TaskID identifies the task that produced the result.
	TaskID string

	// Group is the task's group, typically the printer name.
	Group string

	// Value is the value returned by the task. nil means unknown.
	Value any

	// Latency is the time taken by the read.
	Latency time.Duration

	// CheckedAt is the timestamp when the read started.
	CheckedAt time.Time

	// Error is set when the read failed or panicked.
	Error error
}

// ReadFunc reads one value. It must honour ctx cancellation.
type ReadFunc func(ctx context.Context) (any, error)

// Task is one periodically read value.
type Task struct {
	// ID uniquely identifies the task.
	ID string

	// Group is copied into every [Result] of the task.
	Group string

	// Interval is the custom polling interval for this task.
	// If 0, the scheduler's global interval is used.
	Interval time.Duration

	// Read produces the value.
	Read ReadFunc
}

// Scheduler manages periodic reads of multiple tasks.
//
// Scheduler implements a worker pool pattern, running configured tasks
// at their respective intervals with bounded concurrency. Results are
// emitted to a channel that can be consumed by the caller.
//
// The scheduler runs all tasks immediately on start, then ticks at the GCD
// of all task intervals and runs only tasks that are due.
//
// All lifecycle methods (Start, Stop) are safe for concurrent use.
type Scheduler struct {
	tasks          []Task
	interval       time.Duration // global default interval
	maxConcurrency int
	results        chan Result
	logger         *slog.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	closeOnce sync.Once

	// per-task timing for tick-and-check pattern
	lastPolledAt map[string]time.Time
	baseInterval time.Duration
}

// NewScheduler creates a new polling [Scheduler].
//
// Tasks without an interval use interval. At most maxConcurrency reads run
// at once. The scheduler must be started with [Scheduler.Start] and stopped
// with [Scheduler.Stop]. Results are available via [Scheduler.Results].
func NewScheduler(tasks []Task, interval time.Duration, maxConcurrency int, logger *slog.Logger) *Scheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:          tasks,
		interval:       interval,
		maxConcurrency: maxConcurrency,
		results:        make(chan Result, len(tasks)),
		logger:         logger,
	}
}

// Results returns a receive-only channel that emits [Result] values.
//
// The channel is closed when the scheduler stops. Consumers should read from
// this channel until it is closed to receive all results.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// calculateBaseInterval determines the tick interval for the scheduler.
// Uses the GCD of all task intervals.
func (s *Scheduler) calculateBaseInterval() time.Duration {
	if len(s.tasks) == 0 {
		return s.interval
	}

	intervals := make([]time.Duration, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task.Interval > 0 {
			intervals = append(intervals, task.Interval)
		} else {
			intervals = append(intervals, s.interval)
		}
	}

	result := intervals[0]
	for _, d := range intervals[1:] {
		result = gcdDuration(result, d)
	}

	// floor at 1 second to prevent CPU thrashing
	if result < time.Second {
		result = time.Second
	}

	return result
}

// gcdDuration calculates the greatest common divisor of two durations.
func gcdDuration(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Start begins the polling loop in a background goroutine.
//
// Start is non-blocking and returns immediately. The scheduler will:
//  1. Run all tasks immediately
//  2. Tick at the GCD of all task intervals
//  3. Run only tasks that are due on each tick
//  4. Continue until [Scheduler.Stop] is called or the context is cancelled
//
// If ctx is nil, context.Background() is used as the parent context.
// Start is idempotent; subsequent calls after the first are no-ops.
// If Stop was called before Start, Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.lastPolledAt = make(map[string]time.Time, len(s.tasks))
	s.baseInterval = s.calculateBaseInterval()

	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	pollCtx := s.ctx // capture under lock to avoid race
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.closeOnce.Do(func() { close(s.results) })

		s.runDueTasks(pollCtx, true)

		ticker := time.NewTicker(s.baseInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				s.runDueTasks(pollCtx, false)
			}
		}
	}()
}

// Stop halts the scheduler and waits for all goroutines to complete.
//
// Stop cancels the scheduler's context and blocks until:
//   - The polling loop exits
//   - All in-flight reads complete
//   - The results channel is closed
//
// Stop is idempotent and safe to call multiple times. Calling Stop before
// Start is a safe no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()

	// ensure channel is closed even if Start() was never called
	s.closeOnce.Do(func() { close(s.results) })
}

// runDueTasks runs only tasks that are due based on their intervals.
// If immediate is true, runs all tasks regardless of timing.
//
// lastPolledAt is updated when a read STARTS, so the effective interval of
// a slow task is its configured interval plus the read duration.
func (s *Scheduler) runDueTasks(ctx context.Context, immediate bool) {
	now := time.Now()
	due := make([]Task, 0, len(s.tasks))

	s.mu.Lock()
	for _, task := range s.tasks {
		if immediate {
			due = append(due, task)
			s.lastPolledAt[task.ID] = now
			continue
		}

		interval := task.Interval
		if interval == 0 {
			interval = s.interval
		}

		lastPolled, exists := s.lastPolledAt[task.ID]
		if !exists || now.Sub(lastPolled) >= interval {
			due = append(due, task)
			s.lastPolledAt[task.ID] = now
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	s.runTasks(ctx, due)
}

// runTasks runs a subset of tasks concurrently, respecting maxConcurrency.
func (s *Scheduler) runTasks(ctx context.Context, tasks []Task) {
	jobs := make(chan Task, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < s.maxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range jobs {
				result := s.runTask(ctx, task)
				select {
				case s.results <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, task := range tasks {
		select {
		case jobs <- task:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		}
	}
	close(jobs)

	wg.Wait()
}

// runTask reads a single task and returns the result.
func (s *Scheduler) runTask(ctx context.Context, task Task) Result {
	start := time.Now()
	value, err := s.safeRead(ctx, task)
	return Result{
		TaskID:    task.ID,
		Group:     task.Group,
		Value:     value,
		Latency:   time.Since(start),
		CheckedAt: start,
		Error:     err,
	}
}

// safeRead calls the task's read function with panic recovery.
// If the read panics, it logs the full stack trace with a correlation ID
// and returns an error containing the ID.
func (s *Scheduler) safeRead(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			stack := debug.Stack()

			s.logger.Error("task read panic",
				"correlation_id", correlationID,
				"task", task.ID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(stack),
			)

			value = nil
			err = fmt.Errorf("read panic (correlation_id: %s)", correlationID)
		}
	}()
	if task.Read == nil {
		return nil, fmt.Errorf("task %q has no read function", task.ID)
	}
	return task.Read(ctx)
}
