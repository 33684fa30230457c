// Package dispatch runs one message dispatch thread per CPU.
//
// Each thread drains its own port. Handlers that are not MP-safe are serialized
// by a global lock whose use is governed by a run-time Mode.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"lwkt/hal"
	"lwkt/kernel"
	"lwkt/kernel/msgport"
)

// Config configures a Dispatcher.
type Config struct {
	Mode Mode
	// Logger receives thread lifecycle lines. Nil discards them.
	Logger hal.Logger
	// Handler serves messages without a Dispatch function.
	Handler msgport.DispatchFunc
}

// Dispatcher owns the per-CPU dispatch threads of a System.
type Dispatcher struct {
	sys      *kernel.System
	mode     atomic.Int32
	mp       *MPLock
	log      hal.Logger
	fallback msgport.DispatchFunc

	threads []*Thread

	started atomic.Bool
	cancel  context.CancelFunc
	g       *errgroup.Group
}

// New creates a dispatcher with one thread per CPU of sys. Threads do not run
// until Start.
func New(sys *kernel.System, cfg Config) *Dispatcher {
	d := &Dispatcher{
		sys:      sys,
		mp:       NewMPLock(),
		log:      cfg.Logger,
		fallback: cfg.Handler,
	}
	if d.log == nil {
		d.log = hal.Discard()
	}
	d.mode.Store(int32(cfg.Mode))
	d.threads = make([]*Thread, sys.NCPU())
	for i := range d.threads {
		d.threads[i] = newThread(d, sys.CPU(kernel.CPUID(i)))
	}
	return d
}

// Start launches the threads and returns once each is bound to its CPU. They
// stop when ctx ends or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatch: already started")
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.g, ctx = errgroup.WithContext(ctx)
	var up sync.WaitGroup
	up.Add(len(d.threads))
	for _, td := range d.threads {
		td := td
		d.g.Go(func() error {
			d.log.WriteLineString(fmt.Sprintf("dispatch: cpu%d up mode=%s", td.gd.ID(), d.Mode()))
			err := td.loop(ctx, up.Done)
			d.log.WriteLineString(fmt.Sprintf("dispatch: cpu%d down dispatched=%d", td.gd.ID(), td.Stats.Dispatched.Load()))
			return err
		})
	}
	// Ports only tell their owner apart from other senders once it is bound.
	up.Wait()
	return nil
}

// Stop cancels the threads and waits for them to exit.
func (d *Dispatcher) Stop() error {
	if !d.started.Load() {
		return nil
	}
	d.cancel()
	return d.g.Wait()
}

// NCPU returns the number of dispatch threads.
func (d *Dispatcher) NCPU() int { return len(d.threads) }

// System returns the machine the dispatcher runs on.
func (d *Dispatcher) System() *kernel.System { return d.sys }

// Thread returns the thread bound to cpu.
func (d *Dispatcher) Thread(cpu kernel.CPUID) *Thread {
	if cpu < 0 || int(cpu) >= len(d.threads) {
		kernel.Fatal(kernel.PanicInfo{
			CPU:    -1,
			Value:  "dispatch: cpu id out of range",
			Detail: fmt.Sprintf("cpu=%d ncpu=%d", cpu, len(d.threads)),
		})
	}
	return d.threads[cpu]
}

// Port returns the port of the thread bound to cpu.
func (d *Dispatcher) Port(cpu kernel.CPUID) *msgport.ThreadPort {
	return d.Thread(cpu).port
}

// Mode returns the current global lock policy.
func (d *Dispatcher) Mode() Mode { return Mode(d.mode.Load()) }

// SetMode changes the global lock policy. Threads pick it up on their next message.
func (d *Dispatcher) SetMode(m Mode) {
	if old := Mode(d.mode.Swap(int32(m))); old != m {
		d.log.WriteLineString(fmt.Sprintf("dispatch: mode %s -> %s", old, m))
	}
}

// MPLock returns the global lock.
func (d *Dispatcher) MPLock() *MPLock { return d.mp }

// SendIPI runs fn on the thread bound to cpu.
func (d *Dispatcher) SendIPI(cpu kernel.CPUID, fn kernel.IPIFunc) {
	td := d.Thread(cpu)
	td.gd.SendIPI(fn)
	td.port.Kick()
}

// Run executes msg inline under the global lock policy. td is the calling
// dispatch thread; a nil td is a caller outside the dispatch threads, which
// takes and drops the lock around the handler as needed. Passing a td the
// caller is not running on is fatal.
func (d *Dispatcher) Run(ctx context.Context, td *Thread, msg *msgport.Message) error {
	if td != nil {
		if !td.current() {
			kernel.Fatal(kernel.PanicInfo{
				CPU:    kernel.Mycpu().ID(),
				Value:  "dispatch: run on a thread the caller is not running on",
				Detail: fmt.Sprintf("cpu=%d msg=%s", td.gd.ID(), msg),
			})
		}
		return td.dispatch(ctx, msg)
	}
	if d.needsMP(msg) {
		if err := d.mp.Acquire(ctx); err != nil {
			return err
		}
		defer d.mp.Release()
	}
	msgport.Execute(msg, d.fallback)
	return nil
}

// needsMP reports whether msg runs under the global lock in the current mode.
func (d *Dispatcher) needsMP(msg *msgport.Message) bool {
	switch d.Mode() {
	case Legacy:
		return true
	case Adaptive:
		return msg.Flags()&msgport.FlagMPSafe == 0
	default:
		return false
	}
}

// Stats returns the counters of every thread keyed by CPU.
func (d *Dispatcher) Stats() []map[string]int64 {
	out := make([]map[string]int64, len(d.threads))
	for i, td := range d.threads {
		out[i] = kernel.Snapshot(&td.Stats)
	}
	return out
}
