//go:build linux

package umtx

import (
	"context"
	"math"
	"unsafe"

	"golang.org/x/sys/unix"

	"lwkt/kernel"
)

const (
	_FUTEX_WAIT         = 0
	_FUTEX_WAKE         = 1
	_FUTEX_PRIVATE_FLAG = 128
)

// Futex is the Primitive backed by the host futex(2) wait queues. The host keys
// sleepers by the physical page behind the word, so it also serves words in
// memory shared between processes when Shared is set.
//
// Cancellation of ctx is observed only between sleeps; a single sleep is bounded
// by its timeout.
type Futex struct {
	Shared bool
}

var _ Primitive = Futex{}

func (f Futex) op(op uintptr) uintptr {
	if f.Shared {
		return op
	}
	return op | _FUTEX_PRIVATE_FLAG
}

// SleepIfEqual implements Primitive.
func (f Futex) SleepIfEqual(ctx context.Context, addr unsafe.Pointer, expected int32, timeoutMicros uint32) error {
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

	var ts *unix.Timespec
	if timeoutMicros > 0 {
		t := unix.NsecToTimespec(int64(timeoutMicros) * 1000)
		ts = &t
	}

	Stats.Sleep.Inc()
	resume := kernel.Suspend()
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(addr), f.op(_FUTEX_WAIT), uintptr(uint32(expected)),
		uintptr(unsafe.Pointer(ts)), 0, 0)
	resume()
	switch errno {
	case 0:
		return nil
	case unix.EAGAIN:
		Stats.Busy.Inc()
		return EBUSY
	case unix.ETIMEDOUT:
		Stats.Timeout.Inc()
		return ETIMEDOUT
	case unix.EINTR:
		Stats.Interrupted.Inc()
		return EINTR
	case unix.EFAULT:
		Stats.Fault.Inc()
		return EFAULT
	default:
		return errno
	}
}

// Wake implements Primitive.
func (f Futex) Wake(addr unsafe.Pointer, count uint32) (int, error) {
	if err := checkAddr(addr); err != nil {
		return 0, err
	}
	n := uintptr(count)
	if count == 0 || count > math.MaxInt32 {
		n = math.MaxInt32
	}
	Stats.Wake.Inc()
	r, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(addr), f.op(_FUTEX_WAKE), n, 0, 0, 0)
	if errno != 0 {
		if errno == unix.EFAULT {
			Stats.Fault.Inc()
			return 0, EFAULT
		}
		return 0, errno
	}
	Stats.Woken.Add(int64(r))
	return int(r), nil
}

// Default returns the host futex backend.
func Default() Primitive { return Futex{} }
