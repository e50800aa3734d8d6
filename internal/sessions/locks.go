package sessions

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ThreadLocks serializes turns per thread ID. Different threads never wait
// on each other; entries are dropped once no turn holds or awaits them.
type ThreadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewThreadLocks creates an empty lock table.
func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{locks: make(map[string]*threadLock)}
}

// Acquire blocks until the thread is free or ctx is done. The returned
// release func is safe to call more than once.
func (l *ThreadLocks) Acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[threadID]
	if !ok {
		tl = &threadLock{sem: semaphore.NewWeighted(1)}
		l.locks[threadID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	if err := tl.sem.Acquire(ctx, 1); err != nil {
		l.unref(threadID, tl)
		return nil, fmt.Errorf("acquire thread %s: %w", threadID, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			tl.sem.Release(1)
			l.unref(threadID, tl)
		})
	}, nil
}

func (l *ThreadLocks) unref(threadID string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 && l.locks[threadID] == tl {
		delete(l.locks, threadID)
	}
}

// Len returns the number of threads currently locked or awaited.
func (l *ThreadLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
