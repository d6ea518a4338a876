package workqueue

import (
	"context"
	"time"
)

// Lane groups tasks that share a concurrency limit.
type Lane int

const (
	// LaneData holds tasks that write rows (imports, drift writes).
	LaneData Lane = iota
	// LaneCompute holds optimizer searches.
	LaneCompute
)

func (l Lane) String() string {
	if l == LaneCompute {
		return "compute"
	}
	return "data"
}

// Status is the lifecycle state of a queued task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusInterrupted marks tasks stopped by Shutdown. Their owner may
	// enqueue them again in a later process.
	StatusInterrupted Status = "interrupted"
)

// Finished reports whether the task will not run again in this queue.
func (s Status) Finished() bool {
	return s != StatusQueued && s != StatusRunning
}

// Task is a unit of background work.
type Task interface {
	// ID must be unique among unfinished tasks; Cancel addresses tasks by it.
	ID() string
	Kind() string
	Lane() Lane
	Run(ctx context.Context) error
}

// RetryObserver is implemented by tasks that record retry attempts.
// OnRetry is called before the backoff wait.
type RetryObserver interface {
	OnRetry(attempt int, err error, next time.Time)
}

// Entry is a point-in-time view of one task.
type Entry struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Lane      string     `json:"lane"`
	Status    Status     `json:"status"`
	Retries   int        `json:"retries"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// item is the queue's bookkeeping for one task. Guarded by Queue.mu.
type item struct {
	task      Task
	status    Status
	retries   int
	startedAt *time.Time
	endedAt   *time.Time
	err       error

	cancel    context.CancelFunc
	cancelled bool
}

func (it *item) setStatus(s Status) {
	now := time.Now()
	it.status = s
	if s == StatusRunning {
		it.startedAt = &now
	} else if s.Finished() {
		it.endedAt = &now
	}
}

func (it *item) entry() Entry {
	e := Entry{
		ID:        it.task.ID(),
		Kind:      it.task.Kind(),
		Lane:      it.task.Lane().String(),
		Status:    it.status,
		Retries:   it.retries,
		StartedAt: it.startedAt,
		EndedAt:   it.endedAt,
	}
	if it.err != nil {
		e.Error = it.err.Error()
	}
	return e
}
