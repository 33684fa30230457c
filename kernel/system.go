package kernel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// CPUID indexes the per-CPU arena of a System.
type CPUID int

// Globaldata is the per-CPU state block.
//
// Fields are only meaningful to code bound to this CPU; they are atomics so that
// diagnostics may read them from anywhere.
type Globaldata struct {
	_ [0]func() // prevent accidental copying.

	id CPUID

	critCount atomic.Int32
	spinHeld  atomic.Int32

	tid     atomic.Int64
	suspend SuspendFunc

	ipiq Mailbox

	Stats CPUStats
}

// CPUStats are the per-CPU diagnostic counters.
type CPUStats struct {
	IPISent      Counter
	IPIProcessed Counter
	CritEnter    Counter
}

// ID returns the CPU index.
func (gd *Globaldata) ID() CPUID {
	if gd == nil {
		return -1
	}
	return gd.id
}

// CritDepth returns the current critical section nesting depth.
func (gd *Globaldata) CritDepth() int {
	if gd == nil {
		return 0
	}
	return int(gd.critCount.Load())
}

// SpinlocksHeld returns the number of spinlocks held on this CPU.
func (gd *Globaldata) SpinlocksHeld() int {
	if gd == nil {
		return 0
	}
	return int(gd.spinHeld.Load())
}

// SpinEnter accounts for a spinlock acquisition attempt. The first spinlock held
// on a CPU opens a critical section. A nil gd is a caller not bound to a CPU.
func (gd *Globaldata) SpinEnter() {
	if gd == nil {
		return
	}
	if gd.spinHeld.Add(1) == 1 {
		gd.critEnter()
	}
}

// SpinExit undoes SpinEnter.
func (gd *Globaldata) SpinExit() {
	if gd == nil {
		return
	}
	n := gd.spinHeld.Add(-1)
	if n < 0 {
		Fatal(PanicInfo{CPU: gd.id, Value: "spinlock count underflow"})
	}
	if n == 0 {
		gd.critExit()
	}
}

// SendIPI queues fn for execution on this CPU. It spins while the ring is full.
func (gd *Globaldata) SendIPI(fn IPIFunc) {
	gd.Stats.IPISent.Inc()
	gd.ipiq.Send(fn)
}

// ProcessIPIs runs every queued IPI function and returns how many ran.
//
// Only the goroutine bound to this CPU may call it.
func (gd *Globaldata) ProcessIPIs() int {
	n := 0
	for {
		fn, ok := gd.ipiq.TryRecv()
		if !ok {
			return n
		}
		if fn != nil {
			fn()
		}
		gd.Stats.IPIProcessed.Inc()
		n++
	}
}

// PendingIPIs reports the number of queued IPI functions.
func (gd *Globaldata) PendingIPIs() int {
	return gd.ipiq.Len()
}

// AssertCanBlock halts when the caller is about to block while holding a spinlock.
func AssertCanBlock(gd *Globaldata) {
	if gd == nil {
		return
	}
	if n := gd.spinHeld.Load(); n != 0 {
		Fatal(PanicInfo{
			CPU:    gd.id,
			Value:  "blocking while holding a spinlock",
			Detail: fmt.Sprintf("spinlocks=%d", n),
		})
	}
}

// System is the machine state: the per-CPU arena and the timebase.
type System struct {
	cpus  []Globaldata
	ticks atomic.Uint64
}

// NewSystem creates a system with ncpu CPUs. The arena is never reallocated.
func NewSystem(ncpu int) *System {
	if ncpu <= 0 {
		ncpu = 1
	}
	s := &System{cpus: make([]Globaldata, ncpu)}
	for i := range s.cpus {
		s.cpus[i].id = CPUID(i)
	}
	return s
}

// NCPU returns the number of CPUs.
func (s *System) NCPU() int { return len(s.cpus) }

// CPU returns the per-CPU block for id.
func (s *System) CPU(id CPUID) *Globaldata {
	if id < 0 || int(id) >= len(s.cpus) {
		Fatal(PanicInfo{CPU: id, Value: "cpu id out of range", Detail: fmt.Sprintf("ncpu=%d", len(s.cpus))})
	}
	return &s.cpus[id]
}

// StartTick starts a 1ms ticker that advances the tick counter until ctx is done.
func (s *System) StartTick(ctx context.Context) {
	go func() {
		t := time.NewTicker(1 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.ticks.Add(1)
			}
		}
	}()
}

// TickTo advances the tick counter to seq if it is ahead of the current value.
func (s *System) TickTo(seq uint64) {
	for {
		cur := s.ticks.Load()
		if seq <= cur {
			return
		}
		if s.ticks.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Ticks returns the current tick count (1ms per tick).
func (s *System) Ticks() uint64 {
	return s.ticks.Load()
}
