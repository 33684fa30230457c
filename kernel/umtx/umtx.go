// Package umtx implements the kernel half of the contested-mutex protocol:
// sleep on a word while it holds an expected value, and wake sleepers on it.
//
// The kernel keeps no per-mutex state. Sleepers are keyed by the address of the
// word, which is pinned for the duration of each call so the key stays stable.
package umtx

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"lwkt/kernel"
	"lwkt/kernel/spin"
)

// MaxTimeout bounds a single sleep, in microseconds. Longer waits loop.
const MaxTimeout = 1_000_000

// Errno is a kernel primitive error code.
type Errno int

const (
	EINTR     Errno = 4
	EFAULT    Errno = 14
	EBUSY     Errno = 16
	EINVAL    Errno = 22
	ETIMEDOUT Errno = 110
)

func (e Errno) Error() string {
	switch e {
	case EINTR:
		return "interrupted"
	case EFAULT:
		return "bad address"
	case EBUSY:
		return "value changed"
	case EINVAL:
		return "invalid argument"
	case ETIMEDOUT:
		return "timed out"
	default:
		return "unknown error"
	}
}

// Primitive is the sleep/wake contract shared by the kernel wait table and the
// OS futex backend.
type Primitive interface {
	// SleepIfEqual blocks while *addr == expected, for at most timeoutMicros
	// (0 = unbounded). It returns nil when woken, EBUSY when the value differed,
	// ETIMEDOUT, EINTR when ctx is done, EFAULT for a nil or misaligned address
	// and EINVAL when timeoutMicros exceeds MaxTimeout.
	SleepIfEqual(ctx context.Context, addr unsafe.Pointer, expected int32, timeoutMicros uint32) error
	// Wake wakes up to count sleepers on addr (0 = all) and returns how many woke.
	Wake(addr unsafe.Pointer, count uint32) (int, error)
}

// Counters are the primitive's diagnostic counters.
type Counters struct {
	Sleep       kernel.Counter
	Woken       kernel.Counter
	Wake        kernel.Counter
	Busy        kernel.Counter
	Timeout     kernel.Counter
	Interrupted kernel.Counter
	Fault       kernel.Counter
}

// Stats accumulates over every Table and the OS backend.
var Stats Counters

func checkAddr(addr unsafe.Pointer) error {
	if addr == nil || uintptr(addr)%unsafe.Sizeof(int32(0)) != 0 {
		Stats.Fault.Inc()
		return EFAULT
	}
	return nil
}

func checkTimeout(timeoutMicros uint32) error {
	if timeoutMicros > MaxTimeout {
		return EINVAL
	}
	return nil
}

type waiter struct {
	ch chan struct{}
}

// Table is the kernel wait table. The zero value is not usable; use NewTable.
type Table struct {
	lock  spin.Spinlock
	chans map[uintptr][]*waiter
}

var _ Primitive = (*Table)(nil)

// NewTable returns an empty wait table.
func NewTable() *Table {
	return &Table{chans: make(map[uintptr][]*waiter)}
}

// pinned is a word held resident for one call; key is its wait-channel.
type pinned struct {
	p   runtime.Pinner
	key uintptr
}

func pin(addr unsafe.Pointer) *pinned {
	pp := &pinned{key: uintptr(addr)}
	pp.p.Pin(addr)
	return pp
}

func (pp *pinned) unpin() { pp.p.Unpin() }

// SleepIfEqual implements Primitive.
func (t *Table) SleepIfEqual(ctx context.Context, addr unsafe.Pointer, expected int32, timeoutMicros uint32) error {
	if err := checkAddr(addr); err != nil {
		return err
	}
	if err := checkTimeout(timeoutMicros); err != nil {
		return err
	}
	if ctx.Err() != nil {
		Stats.Interrupted.Inc()
		return EINTR
	}

	pp := pin(addr)
	defer pp.unpin()

	w := &waiter{ch: make(chan struct{})}
	t.lock.Lock(nil)
	if atomic.LoadInt32((*int32)(addr)) != expected {
		t.lock.Unlock(nil)
		Stats.Busy.Inc()
		return EBUSY
	}
	t.chans[pp.key] = append(t.chans[pp.key], w)
	t.lock.Unlock(nil)
	Stats.Sleep.Inc()

	var timeout <-chan time.Time
	if timeoutMicros > 0 {
		tm := time.NewTimer(time.Duration(timeoutMicros) * time.Microsecond)
		defer tm.Stop()
		timeout = tm.C
	}

	resume := kernel.Suspend()
	defer resume()
	select {
	case <-w.ch:
		return nil
	case <-timeout:
		if t.cancel(pp.key, w) {
			Stats.Timeout.Inc()
			return ETIMEDOUT
		}
		return nil
	case <-ctx.Done():
		if t.cancel(pp.key, w) {
			Stats.Interrupted.Inc()
			return EINTR
		}
		return nil
	}
}

// cancel removes w from the wait-channel. It reports false when a wakeup
// already claimed w, in which case the sleep counts as woken.
func (t *Table) cancel(key uintptr, w *waiter) bool {
	t.lock.Lock(nil)
	defer t.lock.Unlock(nil)

	ws := t.chans[key]
	for i, cur := range ws {
		if cur != w {
			continue
		}
		ws = append(ws[:i], ws[i+1:]...)
		if len(ws) == 0 {
			delete(t.chans, key)
		} else {
			t.chans[key] = ws
		}
		return true
	}
	return false
}

// Wake implements Primitive. Sleepers are woken in arrival order.
func (t *Table) Wake(addr unsafe.Pointer, count uint32) (int, error) {
	if err := checkAddr(addr); err != nil {
		return 0, err
	}
	pp := pin(addr)
	defer pp.unpin()
	Stats.Wake.Inc()

	t.lock.Lock(nil)
	ws := t.chans[pp.key]
	n := len(ws)
	if count != 0 && int(count) < n {
		n = int(count)
	}
	woken := ws[:n:n]
	if n == len(ws) {
		delete(t.chans, pp.key)
	} else {
		t.chans[pp.key] = ws[n:]
	}
	t.lock.Unlock(nil)

	for _, w := range woken {
		close(w.ch)
	}
	Stats.Woken.Add(int64(n))
	return n, nil
}

// Sleepers returns the number of sleepers queued on addr.
func (t *Table) Sleepers(addr unsafe.Pointer) int {
	t.lock.Lock(nil)
	defer t.lock.Unlock(nil)
	return len(t.chans[uintptr(addr)])
}
