package msgport

import (
	"context"
)

// SyncPort executes every message inline in Put and never queues.
type SyncPort struct {
	// Handler serves messages without a Dispatch function.
	Handler DispatchFunc
}

var _ Port = (*SyncPort)(nil)

func (p *SyncPort) Put(msg *Message) bool {
	Stats.Inline.Inc()
	Execute(msg, p.Handler)
	if !msg.Done() {
		fatalMsg("synchronous message not completed inline", p, msg)
	}
	return true
}

func (p *SyncPort) Wait(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil {
		fatalMsg("wait for any message on a port without a queue", p, nil)
	}
	return waitDone(ctx, msg)
}

func (p *SyncPort) Reply(msg *Message) { completeOrDie(p, msg) }

func (p *SyncPort) Abort(*Message) {}

// NullPort is a reply port that only marks messages done.
type NullPort struct{}

var _ Port = NullPort{}

func (p NullPort) Put(msg *Message) bool {
	fatalMsg("send to a reply-only port", p, msg)
	return false
}

func (p NullPort) Wait(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil {
		fatalMsg("wait for any message on a port without a queue", p, nil)
	}
	return waitDone(ctx, msg)
}

func (p NullPort) Reply(msg *Message) { completeOrDie(p, msg) }

func (p NullPort) Abort(*Message) {}

// AutoFreePort is a reply port for fire-and-forget messages: a replied message
// is handed to Free, or cleared when Free is nil.
type AutoFreePort struct {
	Free func(msg *Message)
}

var _ Port = (*AutoFreePort)(nil)

func (p *AutoFreePort) Put(msg *Message) bool {
	fatalMsg("send to a reply-only port", p, msg)
	return false
}

func (p *AutoFreePort) Wait(_ context.Context, msg *Message) (*Message, error) {
	fatalMsg("wait on an auto-free message", p, msg)
	return nil, nil
}

func (p *AutoFreePort) Reply(msg *Message) {
	completeOrDie(p, msg)
	if p.Free != nil {
		p.Free(msg)
		return
	}
	msg.reset()
}

func (p *AutoFreePort) Abort(*Message) {}

// PanicPort is the reply port of dispatch-only messages. Any reply is fatal.
type PanicPort struct{}

var _ Port = PanicPort{}

func (p PanicPort) Put(msg *Message) bool {
	fatalMsg("send to panic port", p, msg)
	return false
}

func (p PanicPort) Wait(_ context.Context, msg *Message) (*Message, error) {
	fatalMsg("wait on panic port", p, msg)
	return nil, nil
}

func (p PanicPort) Reply(msg *Message) {
	fatalMsg("reply of a dispatch-only message", p, msg)
}

func (p PanicPort) Abort(*Message) {}

func completeOrDie(p Port, msg *Message) {
	if _, ok := msg.complete(); !ok {
		fatalMsg("message replied twice", p, msg)
	}
}
