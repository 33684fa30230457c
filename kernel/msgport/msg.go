// Package msgport implements asynchronous messages and the ports they are sent to.
//
// A message is owned by its originator until it is sent, by the target from send
// until reply, and by the originator again after reply. The only field the
// originator may touch while the target owns the message is the abort request,
// made through AbortMsg.
package msgport

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"lwkt/kernel"
)

// Flags are message lifecycle and option bits.
type Flags uint32

const (
	FlagDone Flags = 1 << iota
	FlagQueued
	FlagAsync
	FlagAborted
	FlagCatchSignal
	FlagAbortable
	FlagReplied
	FlagResult
	FlagMPSafe

	flagSent
	flagAbortReq
)

// optionFlags may be passed to Init.
const optionFlags = FlagCatchSignal | FlagAbortable | FlagMPSafe

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagDone, "done"},
	{FlagQueued, "queued"},
	{FlagAsync, "async"},
	{FlagAborted, "aborted"},
	{FlagCatchSignal, "catch"},
	{FlagAbortable, "abortable"},
	{FlagReplied, "replied"},
	{FlagResult, "result"},
	{FlagMPSafe, "mpsafe"},
	{flagSent, "sent"},
	{flagAbortReq, "abortreq"},
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// ErrAborted is the default error of a message completed by its abort operator.
var ErrAborted = errors.New("msgport: message aborted")

// DispatchFunc executes a message command.
type DispatchFunc func(msg *Message)

// Result is the reply payload. Handlers fill the member their command defines.
type Result struct {
	Ptr any
	Int int64
	FDs [2]int32
}

// Message is the unit of asynchronous work.
//
// A Message must not be copied after first use.
type Message struct {
	_ [0]func() // prevent accidental copying.

	// Cmd is the symbolic opcode, used when Dispatch is nil.
	Cmd uint32
	// Dispatch is the callable command.
	Dispatch DispatchFunc
	// AbortCmd and AbortFn replace the command once an abort is requested.
	// Without AbortFn the message is replied with ErrAborted.
	AbortCmd uint32
	AbortFn  DispatchFunc

	// Arg is the request payload.
	Arg any

	Error  error
	Result Result

	flags  atomic.Uint32
	target atomic.Pointer[portRef]
	reply  Port

	// Queue linkage, protected by the lock of the port the message is queued on.
	next, prev *Message
	onq        *msgQueue
}

type portRef struct {
	p Port
}

// Init prepares msg for a send cycle with reply as its reply port. An initialized
// message is done; it stops being done when sent. Init of a message still in
// flight is fatal.
func (m *Message) Init(reply Port, flags Flags) {
	if cur := m.Flags(); cur&flagSent != 0 && cur&FlagDone == 0 {
		fatalMsg("init of a message in flight", nil, m)
	}
	if cur := m.Flags(); cur&FlagQueued != 0 {
		fatalMsg("init of a queued message", nil, m)
	}
	m.reply = reply
	m.Error = nil
	m.Result = Result{}
	m.target.Store(nil)
	m.flags.Store(uint32(FlagDone | flags&optionFlags))
}

// Flags returns the current flag bits.
func (m *Message) Flags() Flags { return Flags(m.flags.Load()) }

// Done reports whether the message has been replied (or not yet sent).
func (m *Message) Done() bool { return m.Flags()&FlagDone != 0 }

// Aborted reports whether the message completed after an abort request.
func (m *Message) Aborted() bool { return m.Flags()&FlagAborted != 0 }

// AbortRequested reports whether the originator asked for an abort. Holders
// running a long command poll it.
func (m *Message) AbortRequested() bool { return m.Flags()&flagAbortReq != 0 }

// ReplyPort returns the port replies are delivered to.
func (m *Message) ReplyPort() Port { return m.reply }

// Target returns the port currently holding the message.
func (m *Message) Target() Port {
	if r := m.target.Load(); r != nil {
		return r.p
	}
	return nil
}

func (m *Message) setTarget(p Port) {
	m.target.Store(&portRef{p: p})
}

func (m *Message) setFlags(set Flags) {
	for {
		old := m.flags.Load()
		if m.flags.CompareAndSwap(old, old|uint32(set)) {
			return
		}
	}
}

func (m *Message) clearFlags(clr Flags) {
	for {
		old := m.flags.Load()
		if m.flags.CompareAndSwap(old, old&^uint32(clr)) {
			return
		}
	}
}

// begin starts a send cycle. It reports false when the message is already in flight.
func (m *Message) begin(async bool) bool {
	for {
		old := Flags(m.flags.Load())
		if old&FlagQueued != 0 || old&flagSent != 0 && old&FlagDone == 0 {
			return false
		}
		n := old&optionFlags | flagSent
		if async {
			n |= FlagAsync
		}
		if m.flags.CompareAndSwap(uint32(old), uint32(n)) {
			return true
		}
	}
}

// complete sets DONE, with ABORTED first when an abort was requested. It reports
// false when the message was already replied in this cycle.
func (m *Message) complete() (Flags, bool) {
	for {
		old := Flags(m.flags.Load())
		if old&FlagReplied != 0 {
			return old, false
		}
		n := old | FlagDone | FlagReplied
		if old&flagAbortReq != 0 {
			n |= FlagAborted
		}
		if m.flags.CompareAndSwap(uint32(old), uint32(n)) {
			return n, true
		}
	}
}

// reset clears a message for reuse after it has been freed.
func (m *Message) reset() {
	m.Cmd = 0
	m.Dispatch = nil
	m.AbortCmd = 0
	m.AbortFn = nil
	m.Arg = nil
	m.Error = nil
	m.Result = Result{}
	m.reply = nil
	m.target.Store(nil)
	m.flags.Store(uint32(FlagDone))
}

func (m *Message) String() string {
	return fmt.Sprintf("msg(%p cmd=%d flags=%s)", m, m.Cmd, m.Flags())
}

func fatalMsg(what string, p Port, m *Message) {
	kernel.Fatal(kernel.PanicInfo{
		CPU:    -1,
		Value:  "msgport: " + what,
		Detail: fmt.Sprintf("msg=%p port=%T(%p) flags=%s", m, p, p, m.Flags()),
	})
}
