// Package umutex implements a user-space mutex over a single int32 word, with the
// contended slow path resolved through the kernel sleep/wake primitive.
//
// Word values: 0 unlocked, 1 locked, 2 locked with possible sleepers.
package umutex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"lwkt/kernel/umtx"
)

const (
	Unlocked  int32 = 0
	Locked    int32 = 1
	Contested int32 = 2
)

var (
	// ErrTimeout is returned when the deadline passes before the lock is acquired.
	ErrTimeout = errors.New("umutex: lock timed out")
	// ErrInterrupted is returned when the wait is cancelled.
	ErrInterrupted = errors.New("umutex: lock interrupted")
	// ErrNotLocked is returned by Unlock on an unlocked word.
	ErrNotLocked = errors.New("umutex: unlock of unlocked mutex")
)

// Futex is the kernel primitive the protocol is built on.
type Futex interface {
	SleepIfEqual(ctx context.Context, addr unsafe.Pointer, expected int32, timeoutMicros uint32) error
	Wake(addr unsafe.Pointer, count uint32) (int, error)
}

// Lock is the contested slow path. The caller has already failed the 0 -> 1
// fast path; the word is taken as 2 so the eventual unlock wakes a sleeper.
func Lock(ctx context.Context, f Futex, word *int32) error {
	return lock(ctx, f, word, time.Time{})
}

// TimedLock is Lock bounded by an absolute deadline.
func TimedLock(ctx context.Context, f Futex, word *int32, deadline time.Time) error {
	if deadline.IsZero() {
		return ErrTimeout
	}
	return lock(ctx, f, word, deadline)
}

func lock(ctx context.Context, f Futex, word *int32, deadline time.Time) error {
	addr := unsafe.Pointer(word)
	for {
		if atomic.CompareAndSwapInt32(word, Unlocked, Contested) {
			return nil
		}
		// Mark an uncontested holder as contested before sleeping on it.
		if v := atomic.LoadInt32(word); v == Locked && !atomic.CompareAndSwapInt32(word, Locked, Contested) {
			continue
		}

		slice := uint32(umtx.MaxTimeout)
		if !deadline.IsZero() {
			remain := time.Until(deadline)
			if remain <= 0 {
				return ErrTimeout
			}
			if remain < time.Duration(umtx.MaxTimeout)*time.Microsecond {
				slice = uint32(remain / time.Microsecond)
				if slice == 0 {
					slice = 1
				}
			}
		}

		err := f.SleepIfEqual(ctx, addr, Contested, slice)
		switch {
		case err == nil, errors.Is(err, umtx.EBUSY), errors.Is(err, umtx.ETIMEDOUT):
		case errors.Is(err, umtx.EINTR):
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
			}
		default:
			return fmt.Errorf("umutex: sleep: %w", err)
		}
	}
}

// Unlock releases the word. A contested word is cleared and one sleeper is
// woken to retry; ownership is not handed off.
func Unlock(f Futex, word *int32) error {
	old := atomic.AddInt32(word, -1) + 1
	switch {
	case old == Unlocked:
		atomic.CompareAndSwapInt32(word, -1, Unlocked)
		return ErrNotLocked
	case old > Locked:
		atomic.StoreInt32(word, Unlocked)
		if _, err := f.Wake(unsafe.Pointer(word), 1); err != nil {
			return fmt.Errorf("umutex: wake: %w", err)
		}
	}
	return nil
}

// Mutex is a user-space mutex bound to a kernel primitive.
//
// A Mutex must not be copied after first use.
type Mutex struct {
	_    [0]func() // prevent accidental copying.
	word int32
	f    Futex
}

// New returns an unlocked mutex using f for its slow path.
func New(f Futex) *Mutex {
	return &Mutex{f: f}
}

// TryLock attempts the uncontested fast path.
func (m *Mutex) TryLock() bool {
	return atomic.CompareAndSwapInt32(&m.word, Unlocked, Locked)
}

// Lock acquires the mutex, blocking until it is available or ctx is done.
func (m *Mutex) Lock(ctx context.Context) error {
	if m.TryLock() {
		return nil
	}
	return Lock(ctx, m.f, &m.word)
}

// LockDeadline acquires the mutex or fails with ErrTimeout once deadline passes.
func (m *Mutex) LockDeadline(ctx context.Context, deadline time.Time) error {
	if m.TryLock() {
		return nil
	}
	return TimedLock(ctx, m.f, &m.word, deadline)
}

// LockTimeout acquires the mutex or fails with ErrTimeout after d.
func (m *Mutex) LockTimeout(ctx context.Context, d time.Duration) error {
	return m.LockDeadline(ctx, time.Now().Add(d))
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() error {
	return Unlock(m.f, &m.word)
}

// State returns the raw word.
func (m *Mutex) State() int32 {
	return atomic.LoadInt32(&m.word)
}
