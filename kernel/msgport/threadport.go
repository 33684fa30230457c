package msgport

import (
	"context"

	"lwkt/kernel"
	"lwkt/kernel/spin"
)

// ThreadPort is the port of a dispatch thread: a FIFO drained by its owner.
//
// Messages sent to the port and replies returned to it share the queue; a done
// message is a reply. A message the owner sends with the port itself as reply
// port is executed inline by Put, since queueing it would leave the owner
// waiting on itself. The same message from any other caller is queued.
//
// Every sleep on the port goes through kernel.Suspend, so an owner bound to
// its CPU gives up what it must not hold across a sleep.
type ThreadPort struct {
	_ [0]func() // prevent accidental copying.

	gd     *kernel.Globaldata
	inline DispatchFunc

	lock    spin.Spinlock
	q       msgQueue
	waiting bool
	wake    chan struct{}
	kicked  bool
	abort   *Message
}

var _ Port = (*ThreadPort)(nil)

// NewThreadPort returns a port owned by the thread bound to gd. inline executes
// self-targeted messages; nil runs them with Execute.
func NewThreadPort(gd *kernel.Globaldata, inline DispatchFunc) *ThreadPort {
	return &ThreadPort{gd: gd, inline: inline}
}

// Owner returns the CPU the port belongs to.
func (p *ThreadPort) Owner() *kernel.Globaldata { return p.gd }

// Len returns the number of queued messages.
func (p *ThreadPort) Len() int {
	p.lock.Lock(nil)
	n := p.q.n
	p.lock.Unlock(nil)
	return n
}

// signal wakes the owner if it is waiting. Called with the lock held.
func (p *ThreadPort) signal() {
	if p.waiting {
		close(p.wake)
		p.wake = nil
		p.waiting = false
	}
}

// sleep registers the owner as waiting and returns the channel to block on.
// Called with the lock held.
func (p *ThreadPort) sleep() <-chan struct{} {
	if p.wake == nil {
		p.wake = make(chan struct{})
	}
	p.waiting = true
	return p.wake
}

// local returns the per-CPU block the caller locks with and whether the caller
// counts as the owner.
func (p *ThreadPort) local() (*kernel.Globaldata, bool) {
	gd := kernel.Local(p.gd)
	return gd, gd == p.gd
}

func (p *ThreadPort) block(ctx context.Context, gd *kernel.Globaldata, ch <-chan struct{}) error {
	kernel.AssertCanBlock(gd)
	resume := kernel.Suspend()
	defer resume()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Put queues msg and wakes the owner.
func (p *ThreadPort) Put(msg *Message) bool {
	if _, owner := p.local(); owner && msg.reply == Port(p) {
		Stats.Inline.Inc()
		if p.inline != nil {
			p.inline(msg)
		} else {
			Execute(msg, nil)
		}
		if !msg.Done() {
			fatalMsg("self-targeted message not completed inline", p, msg)
		}
		return true
	}
	p.lock.Lock(nil)
	p.q.push(msg)
	p.signal()
	p.lock.Unlock(nil)
	return false
}

// Kick makes a blocked Next return nil so the owner can look at other work.
func (p *ThreadPort) Kick() {
	p.lock.Lock(nil)
	p.kicked = true
	p.signal()
	p.lock.Unlock(nil)
}

// Next dequeues the next message, blocking while the queue is empty. It returns
// nil after a Kick. Only the owner may call it.
func (p *ThreadPort) Next(ctx context.Context) (*Message, error) {
	gd, _ := p.local()
	for {
		p.lock.Lock(gd)
		if m := p.q.pop(); m != nil {
			p.reap(m)
			p.lock.Unlock(gd)
			return m, nil
		}
		if p.kicked {
			p.kicked = false
			p.lock.Unlock(gd)
			return nil, nil
		}
		ch := p.sleep()
		p.lock.Unlock(gd)
		if err := p.block(ctx, gd, ch); err != nil {
			return nil, err
		}
	}
}

// Wait blocks until msg is done, or with a nil msg until a completed message is
// queued, which it dequeues. Requests queued for the owner are left to Next.
// Waiting on a message while an abort of a different one is outstanding is fatal.
func (p *ThreadPort) Wait(ctx context.Context, msg *Message) (*Message, error) {
	Stats.Wait.Inc()
	gd, _ := p.local()
	for {
		p.lock.Lock(gd)
		if msg == nil {
			if m := p.q.firstDone(); m != nil {
				p.q.remove(m)
				p.reap(m)
				p.lock.Unlock(gd)
				return m, nil
			}
		} else {
			if p.abort != nil && p.abort != msg {
				pending := p.abort
				p.lock.Unlock(gd)
				fatalMsg("wait on a message with an abort outstanding on "+pending.String(), p, msg)
			}
			if msg.Done() {
				if msg.onq == &p.q {
					p.q.remove(msg)
				}
				p.reap(msg)
				p.lock.Unlock(gd)
				return msg, nil
			}
		}
		ch := p.sleep()
		p.lock.Unlock(gd)
		if err := p.block(ctx, gd, ch); err != nil {
			return nil, err
		}
	}
}

// reap clears an outstanding abort on msg. Called with the lock held.
func (p *ThreadPort) reap(msg *Message) {
	if p.abort == msg {
		p.abort = nil
	}
}

// Reply completes msg. Asynchronous messages are queued for the owner.
func (p *ThreadPort) Reply(msg *Message) {
	p.lock.Lock(nil)
	flags, ok := msg.complete()
	if !ok {
		p.lock.Unlock(nil)
		fatalMsg("message replied twice", p, msg)
	}
	p.reap(msg)
	if flags&FlagAsync != 0 {
		p.q.push(msg)
	}
	p.signal()
	p.lock.Unlock(nil)
}

// Abort wakes the owner so a queued msg is dispatched with its abort operator.
func (p *ThreadPort) Abort(msg *Message) {
	p.lock.Lock(nil)
	p.signal()
	p.lock.Unlock(nil)
}

// noteAbort records msg as the outstanding abort of the owner.
func (p *ThreadPort) noteAbort(msg *Message) {
	p.lock.Lock(nil)
	if !msg.Done() {
		p.abort = msg
	}
	p.lock.Unlock(nil)
}
