// Package netisr maps numbered event classes to a port selector and a handler,
// and dispatches items directly, through a port queue, or by deferred
// scheduling on CPU 0.
package netisr

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"lwkt/hal"
	"lwkt/kernel"
	"lwkt/kernel/dispatch"
	"lwkt/kernel/msgport"
)

// MaxEvents bounds event ids; valid ids are 1 through MaxEvents-1.
const MaxEvents = 32

// ErrDropped is returned by Queue for an event class with no live registration
// or no destination port.
var ErrDropped = errors.New("netisr: item dropped")

// Flags are registration options.
type Flags uint32

const (
	// MPSafe marks a handler that may run without the global lock.
	MPSafe Flags = 1 << iota
)

// Handler serves one item. The item is msg.Arg and the event id is
// msg.Result.Int. Handlers must not reply to the message.
type Handler func(msg *msgport.Message)

// Selector picks the destination port for an item. Deferred scheduling calls it
// with a nil item; returning nil then means CPU 0.
type Selector func(item any) msgport.Port

// Counters are the registry diagnostics.
type Counters struct {
	Queued    kernel.Counter
	Run       kernel.Counter
	Scheduled kernel.Counter
	Coalesced kernel.Counter
	Dropped   kernel.Counter
}

type entry struct {
	id    int
	sel   Selector
	h     Handler
	flags Flags
	dead  atomic.Bool

	// sched is the single deferred message of the class; done means idle.
	// Only CPU 0 touches it before sending.
	sched msgport.Message
}

func (e *entry) msgFlags() msgport.Flags {
	if e.flags&MPSafe != 0 {
		return msgport.FlagMPSafe
	}
	return 0
}

// Registry is the event class table.
type Registry struct {
	d       *dispatch.Dispatcher
	log     hal.Logger
	entries [MaxEvents]atomic.Pointer[entry]

	Stats Counters
}

// New returns an empty registry dispatching on d. A nil log discards lines.
func New(d *dispatch.Dispatcher, log hal.Logger) *Registry {
	if log == nil {
		log = hal.Discard()
	}
	return &Registry{d: d, log: log}
}

func fatalf(format string, args ...any) {
	kernel.Fatal(kernel.PanicInfo{CPU: -1, Value: fmt.Sprintf(format, args...)})
}

// Register installs the handler of event class id. Ids out of range, duplicate
// registrations and nil functions are fatal.
func (r *Registry) Register(id int, sel Selector, h Handler, flags Flags) {
	if id <= 0 || id >= MaxEvents {
		fatalf("netisr: event id %d out of range", id)
	}
	if sel == nil || h == nil {
		fatalf("netisr: event %d registered without selector or handler", id)
	}
	e := &entry{id: id, sel: sel, h: h, flags: flags}
	e.sched.Init(msgport.NullPort{}, e.msgFlags())
	e.sched.Dispatch = func(msg *msgport.Message) {
		r.run(e, msg)
		msgport.ReplyMsg(msg)
	}
	if !r.entries[id].CompareAndSwap(nil, e) {
		fatalf("netisr: event %d registered twice", id)
	}
	r.log.WriteLineString(fmt.Sprintf("netisr: registered event %d mpsafe=%t", id, flags&MPSafe != 0))
}

// Unregister removes event class id. Messages of the class still in flight are
// dropped when they reach their dispatch thread.
func (r *Registry) Unregister(id int) bool {
	if id <= 0 || id >= MaxEvents {
		return false
	}
	e := r.entries[id].Swap(nil)
	if e == nil {
		return false
	}
	e.dead.Store(true)
	r.log.WriteLineString(fmt.Sprintf("netisr: unregistered event %d", id))
	return true
}

func (r *Registry) lookup(id int) *entry {
	if id <= 0 || id >= MaxEvents {
		return nil
	}
	return r.entries[id].Load()
}

// run is the Dispatch function of queued and direct messages.
func (r *Registry) run(e *entry, msg *msgport.Message) {
	if e.dead.Load() {
		r.Stats.Dropped.Inc()
		return
	}
	r.Stats.Run.Inc()
	e.h(msg)
}

func (r *Registry) newMsg(e *entry, item any) *msgport.Message {
	msg := &msgport.Message{
		Dispatch: func(msg *msgport.Message) { r.run(e, msg) },
		Arg:      item,
	}
	msg.Init(msgport.PanicPort{}, e.msgFlags())
	msg.Result.Int = int64(e.id)
	return msg
}

// Queue sends item to the port chosen by the class selector. The handler runs
// later on the thread draining that port.
func (r *Registry) Queue(id int, item any) error {
	e := r.lookup(id)
	if e == nil {
		r.Stats.Dropped.Inc()
		return fmt.Errorf("%w: event %d not registered", ErrDropped, id)
	}
	port := e.sel(item)
	if port == nil {
		r.Stats.Dropped.Inc()
		return fmt.Errorf("%w: event %d has no port for item", ErrDropped, id)
	}
	r.Stats.Queued.Inc()
	msgport.SendMsg(port, r.newMsg(e, item))
	return nil
}

// Run executes the handler of id on the caller, under the global lock policy.
// td is the calling dispatch thread, or nil outside of one.
func (r *Registry) Run(ctx context.Context, td *dispatch.Thread, id int, item any) error {
	e := r.lookup(id)
	if e == nil {
		r.Stats.Dropped.Inc()
		return fmt.Errorf("%w: event %d not registered", ErrDropped, id)
	}
	return r.d.Run(ctx, td, r.newMsg(e, item))
}

// Schedule requests a deferred run of the class handler. CPU 0 sends the class
// message unless it is still pending, so requests arriving before the previous
// one was served collapse into one run.
func (r *Registry) Schedule(id int) {
	e := r.lookup(id)
	if e == nil {
		r.Stats.Dropped.Inc()
		return
	}
	r.d.SendIPI(0, func() { r.schedule(e) })
}

// schedule runs on CPU 0.
func (r *Registry) schedule(e *entry) {
	if e.dead.Load() {
		r.Stats.Dropped.Inc()
		return
	}
	if !e.sched.Done() {
		r.Stats.Coalesced.Inc()
		return
	}
	e.sched.Init(msgport.NullPort{}, e.msgFlags())
	e.sched.Result.Int = int64(e.id)
	port := e.sel(nil)
	if port == nil {
		port = r.d.Port(0)
	}
	r.Stats.Scheduled.Inc()
	msgport.SendMsg(port, &e.sched)
}

// Pending reports whether a scheduled run of id has not completed yet.
func (r *Registry) Pending(id int) bool {
	e := r.lookup(id)
	return e != nil && !e.sched.Done()
}

// OnCPU returns a selector that always picks the thread bound to cpu.
func OnCPU(d *dispatch.Dispatcher, cpu kernel.CPUID) Selector {
	port := d.Port(cpu)
	return func(any) msgport.Port { return port }
}

// ByHash returns a selector spreading items across CPUs by key. Nil items go to
// CPU 0.
func ByHash(d *dispatch.Dispatcher, key func(item any) uint64) Selector {
	n := uint64(d.NCPU())
	return func(item any) msgport.Port {
		if item == nil {
			return d.Port(0)
		}
		return d.Port(kernel.CPUID(key(item) % n))
	}
}
