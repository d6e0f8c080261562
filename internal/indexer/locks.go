package indexer

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// userLocks serializes runs per user while letting different users proceed.
type userLocks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func newUserLocks() *userLocks {
	return &userLocks{sems: make(map[string]*semaphore.Weighted)}
}

// TryLock returns a release func, or false when a run for the user is
// already in progress.
func (l *userLocks) TryLock(userID string) (func(), bool) {
	l.mu.Lock()
	sem, ok := l.sems[userID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.sems[userID] = sem
	}
	l.mu.Unlock()
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}
