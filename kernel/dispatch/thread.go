package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"lwkt/kernel"
	"lwkt/kernel/msgport"
)

// ThreadStats are the per-thread dispatch counters.
type ThreadStats struct {
	Dispatched kernel.Counter
	Replies    kernel.Counter
	Kicks      kernel.Counter
	IPIs       kernel.Counter
	MPAcquire  kernel.Counter
	MPRelease  kernel.Counter
}

// Thread is the dispatch thread bound to one CPU. It drains its port and runs
// each request under the global lock policy.
type Thread struct {
	_ [0]func() // prevent accidental copying.

	d    *Dispatcher
	gd   *kernel.Globaldata
	port *msgport.ThreadPort

	// holdsMP and depth are only touched by the goroutine running the thread.
	holdsMP bool
	depth   int

	Stats ThreadStats
}

func newThread(d *Dispatcher, gd *kernel.Globaldata) *Thread {
	td := &Thread{d: d, gd: gd}
	td.port = msgport.NewThreadPort(gd, td.runInline)
	return td
}

// CPU returns the per-CPU block the thread is bound to.
func (td *Thread) CPU() *kernel.Globaldata { return td.gd }

// Port returns the port the thread drains.
func (td *Thread) Port() *msgport.ThreadPort { return td.port }

// HoldsMP reports whether the thread holds the global lock. Only meaningful on
// the thread itself.
func (td *Thread) HoldsMP() bool { return td.holdsMP }

// current reports whether the caller is the goroutine running the thread.
func (td *Thread) current() bool {
	return td.gd.Bound() && kernel.Mycpu() == td.gd
}

// loop runs the thread until ctx ends. up is called once the thread is bound.
func (td *Thread) loop(ctx context.Context, up func()) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	td.gd.Bind(td.suspend)
	defer td.gd.Unbind()
	defer td.releaseMP()
	up()

	for {
		if n := td.gd.ProcessIPIs(); n > 0 {
			td.Stats.IPIs.Add(int64(n))
		}
		// Never sleep on the port holding the global lock.
		if td.holdsMP && td.port.Len() == 0 {
			td.releaseMP()
		}
		msg, err := td.port.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if msg == nil {
			td.Stats.Kicks.Inc()
			continue
		}
		if msg.Done() {
			td.Stats.Replies.Inc()
			continue
		}
		if err := td.dispatch(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("dispatch cpu%d: %w", td.gd.ID(), err)
		}
	}
}

// dispatch runs msg under the current global lock policy. Called from inside
// a handler it defers to nested.
func (td *Thread) dispatch(ctx context.Context, msg *msgport.Message) error {
	if td.depth > 0 {
		return td.nested(ctx, msg)
	}
	td.depth++
	defer func() { td.depth-- }()

	mpsafe := msg.Flags()&msgport.FlagMPSafe != 0
	switch td.d.Mode() {
	case Legacy:
		if err := td.acquireMP(ctx); err != nil {
			return err
		}
		td.execute(msg)
		td.releaseMP()
	case Adaptive:
		if mpsafe {
			td.releaseMP()
		} else if err := td.acquireMP(ctx); err != nil {
			return err
		}
		td.execute(msg)
	default:
		td.releaseMP()
		td.execute(msg)
	}
	return nil
}

// nested runs msg on behalf of a handler that is still running. The outer
// handler may rely on the global lock, so nested never drops it; a lock taken
// for msg alone is released again afterwards.
func (td *Thread) nested(ctx context.Context, msg *msgport.Message) error {
	if td.holdsMP || !td.d.needsMP(msg) {
		td.execute(msg)
		return nil
	}
	if err := td.acquireMP(ctx); err != nil {
		return err
	}
	td.execute(msg)
	td.releaseMP()
	return nil
}

// suspend gives up the global lock while the thread sleeps. It is installed as
// the sleep hook of the thread's CPU.
func (td *Thread) suspend() func() {
	if !td.holdsMP {
		return func() {}
	}
	td.releaseMP()
	return func() {
		// Acquire with no deadline cannot fail.
		_ = td.acquireMP(context.Background())
	}
}

// runInline serves messages the thread sends to its own port.
func (td *Thread) runInline(msg *msgport.Message) {
	if err := td.dispatch(context.Background(), msg); err != nil {
		kernel.Fatal(kernel.PanicInfo{CPU: td.gd.ID(), Value: "inline dispatch failed", Detail: err.Error()})
	}
}

func (td *Thread) execute(msg *msgport.Message) {
	td.Stats.Dispatched.Inc()
	msgport.Execute(msg, td.d.fallback)
}

func (td *Thread) acquireMP(ctx context.Context) error {
	if td.holdsMP {
		return nil
	}
	if err := td.d.mp.Acquire(ctx); err != nil {
		return err
	}
	td.holdsMP = true
	td.Stats.MPAcquire.Inc()
	return nil
}

func (td *Thread) releaseMP() {
	if !td.holdsMP {
		return
	}
	td.holdsMP = false
	td.Stats.MPRelease.Inc()
	td.d.mp.Release()
}
