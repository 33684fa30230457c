package msgport

import (
	"context"
	"runtime"
	"time"

	"lwkt/kernel"
)

// Port is an addressable endpoint that defines how messages sent to it, or
// replied to it, are handled.
type Port interface {
	// Put accepts msg for execution. It reports true when msg was completed
	// before Put returned.
	Put(msg *Message) bool
	// Wait blocks until msg is done and returns it. A nil msg waits for the next
	// message queued on the port.
	Wait(ctx context.Context, msg *Message) (*Message, error)
	// Reply completes msg on behalf of its holder.
	Reply(msg *Message)
	// Abort notifies the port holding msg that an abort was requested.
	Abort(msg *Message)
}

// Counters are the message layer diagnostics.
type Counters struct {
	Send    kernel.Counter
	Reply   kernel.Counter
	Abort   kernel.Counter
	Forward kernel.Counter
	Inline  kernel.Counter
	Wait    kernel.Counter
}

// Stats accumulates over all ports.
var Stats Counters

func begin(port Port, msg *Message, async bool) bool {
	if port == nil {
		fatalMsg("send to nil port", nil, msg)
	}
	if msg.reply == nil {
		fatalMsg("send of a message without reply port", port, msg)
	}
	if !msg.begin(async) {
		fatalMsg("send of a message in flight", port, msg)
	}
	Stats.Send.Inc()
	msg.setTarget(port)
	return port.Put(msg)
}

// BeginMsg sends msg to port for a synchronous round trip. It reports true when
// msg is already done; otherwise the caller must WaitMsg.
func BeginMsg(port Port, msg *Message) bool {
	return begin(port, msg, false)
}

// SendMsg sends msg to port asynchronously. The reply is queued on the reply port.
func SendMsg(port Port, msg *Message) {
	begin(port, msg, true)
}

// DoMsg sends msg to port and waits for the reply. It returns the message error,
// or the wait error when ctx ends first.
func DoMsg(ctx context.Context, port Port, msg *Message) error {
	if BeginMsg(port, msg) {
		return msg.Error
	}
	return WaitMsg(ctx, msg)
}

// WaitMsg blocks on the reply port until msg is done. When ctx ends first, a
// message flagged both catch-signal and abortable is aborted and waited for;
// any other message is left in flight and the context error returned.
func WaitMsg(ctx context.Context, msg *Message) error {
	if msg.reply == nil {
		fatalMsg("wait on a message without reply port", nil, msg)
	}
	_, err := msg.reply.Wait(ctx, msg)
	if err == nil {
		return msg.Error
	}
	const catch = FlagCatchSignal | FlagAbortable
	if msg.Flags()&catch != catch {
		return err
	}
	AbortMsg(msg)
	if _, werr := msg.reply.Wait(context.Background(), msg); werr != nil {
		return werr
	}
	return msg.Error
}

// ReplyMsg completes msg and returns it to its reply port. Replying twice in one
// send cycle is fatal.
func ReplyMsg(msg *Message) {
	Stats.Reply.Inc()
	msg.reply.Reply(msg)
}

// AbortMsg requests an abort of msg. It is a no-op for a message that is done,
// was never sent, is not abortable, or already has an abort requested.
func AbortMsg(msg *Message) {
	for {
		old := msg.Flags()
		if old&(FlagDone|flagAbortReq) != 0 || old&(flagSent|FlagAbortable) != flagSent|FlagAbortable {
			return
		}
		if msg.flags.CompareAndSwap(uint32(old), uint32(old|flagAbortReq)) {
			break
		}
	}
	Stats.Abort.Inc()
	if tp, ok := msg.reply.(*ThreadPort); ok {
		tp.noteAbort(msg)
	}
	if t := msg.Target(); t != nil {
		t.Abort(msg)
	}
}

// Forward hands a message the caller holds to port. A pending abort request
// travels with it.
func Forward(port Port, msg *Message) bool {
	Stats.Forward.Inc()
	msg.setTarget(port)
	if msg.AbortRequested() {
		port.Abort(msg)
	}
	return port.Put(msg)
}

// Execute runs the command of msg, or its abort operator once an abort was
// requested. fallback serves messages without a Dispatch function. The default
// abort operator replies with ErrAborted.
func Execute(msg *Message, fallback DispatchFunc) {
	if msg.AbortRequested() {
		if msg.AbortFn != nil {
			msg.AbortFn(msg)
			return
		}
		msg.Error = ErrAborted
		ReplyMsg(msg)
		return
	}
	switch {
	case msg.Dispatch != nil:
		msg.Dispatch(msg)
	case fallback != nil:
		fallback(msg)
	default:
		fatalMsg("message without command", msg.Target(), msg)
	}
}

// waitDone blocks until msg is done for ports without a queue.
func waitDone(ctx context.Context, msg *Message) (*Message, error) {
	Stats.Wait.Inc()
	if msg.Done() {
		return msg, nil
	}
	resume := kernel.Suspend()
	defer resume()
	delay := time.Microsecond
	for spins := 0; !msg.Done(); spins++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if spins < 64 {
			runtime.Gosched()
			continue
		}
		time.Sleep(delay)
		if delay < time.Millisecond {
			delay *= 2
		}
	}
	return msg, nil
}

// msgQueue is an intrusive FIFO of messages.
type msgQueue struct {
	head, tail *Message
	n          int
}

func (q *msgQueue) push(m *Message) {
	m.setFlags(FlagQueued)
	m.onq = q
	m.next = nil
	m.prev = q.tail
	if q.tail != nil {
		q.tail.next = m
	} else {
		q.head = m
	}
	q.tail = m
	q.n++
}

// firstDone returns the oldest completed message on q.
func (q *msgQueue) firstDone() *Message {
	for m := q.head; m != nil; m = m.next {
		if m.Done() {
			return m
		}
	}
	return nil
}

func (q *msgQueue) pop() *Message {
	m := q.head
	if m != nil {
		q.remove(m)
	}
	return m
}

func (q *msgQueue) remove(m *Message) {
	if m.prev != nil {
		m.prev.next = m.next
	} else {
		q.head = m.next
	}
	if m.next != nil {
		m.next.prev = m.prev
	} else {
		q.tail = m.prev
	}
	m.next, m.prev, m.onq = nil, nil, nil
	m.clearFlags(FlagQueued)
	q.n--
}
