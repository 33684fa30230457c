package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SuspendFunc is run by code bound to a CPU right before it sleeps. The
// returned function is run once it wakes.
type SuspendFunc func() (resume func())

var (
	// bound maps the thread ids of bound callers to their per-CPU block.
	bound  sync.Map
	nbound atomic.Int32
)

// Bind ties the calling goroutine to gd until Unbind. The caller must have
// locked itself to its OS thread. suspend, when not nil, runs around every
// sleep of the bound goroutine. Binding a CPU twice is fatal.
func (gd *Globaldata) Bind(suspend SuspendFunc) {
	tid := threadID()
	if !gd.tid.CompareAndSwap(0, tid) {
		Fatal(PanicInfo{
			CPU:    gd.id,
			Value:  "cpu already bound",
			Detail: fmt.Sprintf("tid=%d caller=%d", gd.tid.Load(), tid),
		})
	}
	gd.suspend = suspend
	bound.Store(tid, gd)
	nbound.Add(1)
}

// Unbind releases the binding made by Bind.
func (gd *Globaldata) Unbind() {
	tid := gd.tid.Load()
	if tid == 0 {
		return
	}
	bound.Delete(tid)
	nbound.Add(-1)
	gd.suspend = nil
	gd.tid.Store(0)
}

// Bound reports whether a goroutine is bound to gd.
func (gd *Globaldata) Bound() bool {
	return gd != nil && gd.tid.Load() != 0
}

// Mycpu returns the per-CPU block the caller is bound to, or nil.
func Mycpu() *Globaldata {
	if nbound.Load() == 0 {
		return nil
	}
	v, ok := bound.Load(threadID())
	if !ok {
		return nil
	}
	return v.(*Globaldata)
}

// Local returns gd when the caller may account work against it: the caller is
// bound to gd, or nothing is bound to gd at all. Otherwise it returns nil.
func Local(gd *Globaldata) *Globaldata {
	if gd == nil || !gd.Bound() || Mycpu() == gd {
		return gd
	}
	return nil
}

// Suspend runs the suspend hook of the CPU the caller is bound to and returns
// the matching resume function. Callers not bound to a CPU get a no-op.
func Suspend() (resume func()) {
	gd := Mycpu()
	if gd == nil || gd.suspend == nil {
		return func() {}
	}
	AssertCanBlock(gd)
	return gd.suspend()
}
