// Package workqueue runs background tasks in two lanes with per-lane
// concurrency limits and retry of transient failures.
package workqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/assay-engine/pkg/retry"
)

// Queue schedules tasks in FIFO order within each lane. A data task and a
// compute task never wait on each other. Per-project write ordering is not
// the queue's concern; tasks take the project lock when they write.
type Queue struct {
	mu      sync.Mutex
	items   []*item
	limits  [2]int
	running [2]int
	retry   *retry.Config
	stopped bool

	// idle is closed while no task is queued or running.
	idle chan struct{}

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	logger *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLaneLimit sets how many tasks of lane may run at once; n < 1 means 1.
func WithLaneLimit(lane Lane, n int) Option {
	return func(q *Queue) {
		q.limits[lane] = max(n, 1)
	}
}

// WithRetry sets the backoff used for retryable task errors.
func WithRetry(cfg *retry.Config) Option {
	return func(q *Queue) {
		if cfg != nil {
			q.retry = cfg
		}
	}
}

// New creates a queue that runs one task per lane at a time and retries
// transient errors 3 times starting at 2s.
func New(logger *zap.Logger, opts ...Option) *Queue {
	ctx, stop := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		limits: [2]int{1, 1},
		retry: &retry.Config{
			MaxRetries:   3,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		idle:   idle,
		ctx:    ctx,
		stop:   stop,
		logger: logger.Named("workqueue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue schedules t. It returns false when the queue is shut down or a
// task with the same id is still queued or running.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		q.logger.Warn("queue stopped, dropping task", zap.String("task_id", t.ID()), zap.String("kind", t.Kind()))
		return false
	}
	if q.findLocked(t.ID()) != nil {
		return false
	}

	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
	q.items = append(q.items, &item{task: t, status: StatusQueued})
	q.logger.Debug("task queued",
		zap.String("task_id", t.ID()),
		zap.String("kind", t.Kind()),
		zap.Stringer("lane", t.Lane()))

	q.dispatchLocked()
	return true
}

// findLocked returns the unfinished task with id.
func (q *Queue) findLocked(id string) *item {
	for _, it := range q.items {
		if it.task.ID() == id && !it.status.Finished() {
			return it
		}
	}
	return nil
}

func (q *Queue) dispatchLocked() {
	if q.stopped {
		return
	}
	for _, it := range q.items {
		lane := it.task.Lane()
		if it.status != StatusQueued || q.running[lane] >= q.limits[lane] {
			continue
		}
		q.running[lane]++
		ctx, cancel := context.WithCancel(q.ctx)
		it.cancel = cancel
		it.setStatus(StatusRunning)

		q.wg.Add(1)
		go q.run(ctx, it)
	}
}

// run executes it, retrying errors that retry.IsRetryable accepts.
func (q *Queue) run(ctx context.Context, it *item) {
	defer q.wg.Done()

	var err error
	for attempt := 1; ; attempt++ {
		err = it.task.Run(ctx)
		if err == nil || ctx.Err() != nil || !retry.IsRetryable(err) || attempt > q.retry.MaxRetries {
			break
		}

		wait := retry.Backoff(q.retry, attempt)
		q.mu.Lock()
		it.retries = attempt
		q.mu.Unlock()
		if obs, ok := it.task.(RetryObserver); ok {
			obs.OnRetry(attempt, err, time.Now().Add(wait))
		}
		q.logger.Warn("task failed, backing off",
			zap.String("task_id", it.task.ID()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			continue
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		}
		break
	}
	q.finish(it, err)
}

func (q *Queue) finish(it *item, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.running[it.task.Lane()]--
	it.cancel()

	fields := []zap.Field{zap.String("task_id", it.task.ID()), zap.String("kind", it.task.Kind())}
	switch {
	case err == nil:
		it.setStatus(StatusDone)
		q.logger.Debug("task done", fields...)
	case it.cancelled:
		it.setStatus(StatusCancelled)
		q.logger.Info("task cancelled", fields...)
	case q.stopped:
		it.setStatus(StatusInterrupted)
		q.logger.Info("task interrupted", fields...)
	default:
		it.err = err
		it.setStatus(StatusFailed)
		q.logger.Error("task failed", append(fields, zap.Int("retries", it.retries), zap.Error(err))...)
	}

	q.markIdleLocked()
	q.dispatchLocked()
}

func (q *Queue) markIdleLocked() {
	for _, it := range q.items {
		if !it.status.Finished() {
			return
		}
	}
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

// Cancel stops one task: a queued task never starts, a running task sees its
// context cancelled. It returns false for unknown or finished tasks.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.findLocked(id)
	if it == nil {
		return false
	}
	it.cancelled = true
	if it.status == StatusQueued {
		it.setStatus(StatusCancelled)
		q.markIdleLocked()
		return true
	}
	it.cancel()
	return true
}

// Wait blocks until no task is queued or running. It returns the error of
// the earliest failed task still held by the queue, or ctx.Err().
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.status == StatusFailed {
			return it.err
		}
	}
	return nil
}

// Prune drops finished tasks and returns how many were removed.
func (q *Queue) Prune() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	for _, it := range q.items {
		if !it.status.Finished() {
			kept = append(kept, it)
		}
	}
	removed := len(q.items) - len(kept)
	clear(q.items[len(kept):])
	q.items = kept
	return removed
}

// Entries returns a view of every task the queue holds, in enqueue order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.items))
	for i, it := range q.items {
		out[i] = it.entry()
	}
	return out
}

// Counts returns the number of tasks per status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[Status]int)
	for _, it := range q.items {
		counts[it.status]++
	}
	return counts
}

// Shutdown stops accepting tasks, interrupts queued and running ones and
// waits for their goroutines to return or ctx to end.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		q.stop()
		for _, it := range q.items {
			if it.status == StatusQueued {
				it.setStatus(StatusInterrupted)
			}
		}
		q.markIdleLocked()
	}
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
