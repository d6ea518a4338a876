// Package projectlock serializes writes per project, in process or across
// processes through Redis.
package projectlock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Locker grants exclusive write access to one project. The returned release
// function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, projectID uuid.UUID) (release func(), err error)
}

// Local is an in-process Locker. Waiting writers honour context cancellation.
type Local struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entry
}

type entry struct {
	ch      chan struct{}
	waiters int
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{locks: make(map[uuid.UUID]*entry)}
}

var _ Locker = (*Local)(nil)

func (l *Local) Lock(ctx context.Context, projectID uuid.UUID) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[projectID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[projectID] = e
	}
	e.waiters++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.done(projectID, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.done(projectID, e)
		})
	}, nil
}

// done drops the entry once nobody holds or waits for it.
func (l *Local) done(projectID uuid.UUID, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.waiters--
	if e.waiters == 0 {
		delete(l.locks, projectID)
	}
}
