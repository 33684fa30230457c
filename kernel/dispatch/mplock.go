package dispatch

import (
	"context"

	"golang.org/x/sync/semaphore"

	"lwkt/kernel"
)

// MPLock is the transitional global lock serializing handlers that are not
// MP-safe. It is held by dispatch threads, never by arbitrary goroutines.
type MPLock struct {
	sem *semaphore.Weighted

	Acquires  kernel.Counter
	Contended kernel.Counter
	Releases  kernel.Counter
}

// NewMPLock returns a released lock.
func NewMPLock() *MPLock {
	return &MPLock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx ends.
func (l *MPLock) Acquire(ctx context.Context) error {
	l.Acquires.Inc()
	if l.sem.TryAcquire(1) {
		return nil
	}
	l.Contended.Inc()
	return l.sem.Acquire(ctx, 1)
}

// TryAcquire makes one attempt at taking the lock.
func (l *MPLock) TryAcquire() bool {
	if l.sem.TryAcquire(1) {
		l.Acquires.Inc()
		return true
	}
	return false
}

// Release drops the lock.
func (l *MPLock) Release() {
	l.Releases.Inc()
	l.sem.Release(1)
}
