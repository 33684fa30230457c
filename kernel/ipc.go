package kernel

import (
	"runtime"
	"sync/atomic"
)

const mailboxSlots = 64

// IPIFunc is a function delivered to another CPU.
type IPIFunc func()

type ipiSlot struct {
	// seq+index is the ring position the slot is ready for. Zero value: slot i
	// is free for position i.
	seq atomic.Uint32
	fn  IPIFunc
}

// Mailbox is a fixed-size multi-producer, single-consumer IPI ring.
// It is designed for interrupt-like producers: no allocations, busy-wait with Gosched().
type Mailbox struct {
	_     [0]func() // prevent accidental copying.
	head  atomic.Uint32
	tail  atomic.Uint32
	slots [mailboxSlots]ipiSlot
}

// TrySend attempts to enqueue fn, returning false if the mailbox is full.
func (mb *Mailbox) TrySend(fn IPIFunc) bool {
	for {
		head := mb.head.Load()
		idx := head % mailboxSlots
		s := &mb.slots[idx]
		pos := s.seq.Load() + idx
		switch {
		case pos == head:
			// Reserve the slot, publish the function, then release it to the consumer.
			if mb.head.CompareAndSwap(head, head+1) {
				s.fn = fn
				s.seq.Store(head + 1 - idx)
				return true
			}
		case int32(pos-head) < 0:
			return false
		}
	}
}

// Send enqueues fn, blocking until it succeeds.
func (mb *Mailbox) Send(fn IPIFunc) {
	for !mb.TrySend(fn) {
		runtime.Gosched()
	}
}

// TryRecv attempts to dequeue one function, returning false if empty.
// Only one goroutine may receive.
func (mb *Mailbox) TryRecv() (IPIFunc, bool) {
	tail := mb.tail.Load()
	idx := tail % mailboxSlots
	s := &mb.slots[idx]
	if s.seq.Load()+idx != tail+1 {
		return nil, false
	}

	fn := s.fn
	s.fn = nil
	mb.tail.Store(tail + 1)
	s.seq.Store(tail + mailboxSlots - idx)
	return fn, true
}

// Recv blocks until one function is available.
func (mb *Mailbox) Recv() IPIFunc {
	for {
		fn, ok := mb.TryRecv()
		if ok {
			return fn
		}
		runtime.Gosched()
	}
}

// Len returns the number of reserved slots not yet received.
func (mb *Mailbox) Len() int {
	return int(mb.head.Load() - mb.tail.Load())
}
