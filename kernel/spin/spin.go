// Package spin provides the exclusive/shared spinlock and the serializer that the
// message layer and the rest of the kernel lock on.
//
// Every acquire takes the caller's per-CPU block. Holding any spinlock keeps the
// CPU in a critical section; a nil block is a caller not bound to a CPU and is not
// accounted.
package spin

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"lwkt/kernel"
)

// sharedBit marks the lock word as held shared; the low bits count holders.
const sharedBit = 1 << 31

const spinsBeforeYield = 16

// Counters are the spinlock contention counters.
type Counters struct {
	Enter       kernel.Counter
	Try         kernel.Counter
	TryFail     kernel.Counter
	Contested   kernel.Counter
	Backoff     kernel.Counter
	SharedEnter kernel.Counter
}

// Stats accumulates over all spinlocks and serializers.
var Stats Counters

// Spinlock is an exclusive or shared spin lock. The zero value is unlocked.
//
// A Spinlock must not be copied after first use.
type Spinlock struct {
	_    [0]func() // prevent accidental copying.
	lock atomic.Uint32
}

// TryLock makes one attempt at an exclusive acquisition.
func (s *Spinlock) TryLock(gd *kernel.Globaldata) bool {
	Stats.Try.Inc()
	gd.SpinEnter()
	if s.acquire() {
		return true
	}
	gd.SpinExit()
	Stats.TryFail.Inc()
	return false
}

// Lock acquires the spinlock exclusively, spinning until it succeeds.
func (s *Spinlock) Lock(gd *kernel.Globaldata) {
	Stats.Enter.Inc()
	gd.SpinEnter()
	if s.acquire() {
		return
	}
	s.lockContested()
}

func (s *Spinlock) acquire() bool {
	// A word with only the shared marker left behind by the last shared holder
	// is free as well.
	return s.lock.CompareAndSwap(0, 1) || s.lock.CompareAndSwap(sharedBit, 1)
}

func (s *Spinlock) lockContested() {
	Stats.Contested.Inc()
	var bo backoff
	for {
		if v := s.lock.Load(); v == 0 || v == sharedBit {
			if s.acquire() {
				return
			}
		}
		bo.pause()
	}
}

// Unlock releases an exclusive hold. The word is left untouched when the lock
// is not held exclusively.
func (s *Spinlock) Unlock(gd *kernel.Globaldata) {
	if !s.lock.CompareAndSwap(1, 0) {
		kernel.Fatal(kernel.PanicInfo{
			CPU:    gd.ID(),
			Value:  "spin: unlock of a lock not held exclusively",
			Detail: fmt.Sprintf("lock=%p word=%#x", s, s.lock.Load()),
		})
	}
	gd.SpinExit()
}

// TryLockShared makes one attempt at a shared acquisition.
func (s *Spinlock) TryLockShared(gd *kernel.Globaldata) bool {
	Stats.Try.Inc()
	gd.SpinEnter()
	if s.acquireShared(s.lock.Load()) {
		return true
	}
	gd.SpinExit()
	Stats.TryFail.Inc()
	return false
}

// LockShared acquires the spinlock shared. Shared holders exclude exclusive holders only.
func (s *Spinlock) LockShared(gd *kernel.Globaldata) {
	Stats.SharedEnter.Inc()
	gd.SpinEnter()
	if s.acquireShared(s.lock.Load()) {
		return
	}

	Stats.Contested.Inc()
	var bo backoff
	for {
		v := s.lock.Load()
		if (v == 0 || v&sharedBit != 0) && s.acquireShared(v) {
			return
		}
		bo.pause()
	}
}

// acquireShared sets the marker only on the 0 -> 1 holder transition; an
// exclusive count never gains the marker.
func (s *Spinlock) acquireShared(v uint32) bool {
	switch {
	case v == 0:
		return s.lock.CompareAndSwap(0, sharedBit|1)
	case v&sharedBit != 0:
		return s.lock.CompareAndSwap(v, v+1)
	default:
		return false
	}
}

// UnlockShared releases a shared hold.
func (s *Spinlock) UnlockShared(gd *kernel.Globaldata) {
	for {
		v := s.lock.Load()
		if v&sharedBit == 0 || v == sharedBit {
			kernel.Fatal(kernel.PanicInfo{
				CPU:    gd.ID(),
				Value:  "spin: shared unlock of a lock not held shared",
				Detail: fmt.Sprintf("lock=%p word=%#x", s, v),
			})
		}
		n := v - 1
		if n == sharedBit {
			// Last holder out clears the marker.
			n = 0
		}
		if s.lock.CompareAndSwap(v, n) {
			break
		}
	}
	gd.SpinExit()
}

// Held reports whether the lock is held exclusively.
func (s *Spinlock) Held() bool {
	v := s.lock.Load()
	return v != 0 && v&sharedBit == 0
}

// SharedCount returns the number of shared holders.
func (s *Spinlock) SharedCount() int {
	v := s.lock.Load()
	if v&sharedBit == 0 {
		return 0
	}
	return int(v &^ sharedBit)
}

type backoff struct {
	n int
}

func (b *backoff) pause() {
	if b.n < spinsBeforeYield {
		b.n++
		return
	}
	Stats.Backoff.Inc()
	runtime.Gosched()
}
