package dispatch

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lwkt/hal"
	"lwkt/kernel"
	"lwkt/kernel/msgport"
)

type bufLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *bufLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.WriteString(s)
	l.buf.WriteByte('\n')
}

func (l *bufLogger) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func (l *bufLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

var _ hal.Logger = (*bufLogger)(nil)

func startDispatcher(t *testing.T, ncpu int, cfg Config) *Dispatcher {
	t.Helper()
	d := New(kernel.NewSystem(ncpu), cfg)
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() {
		if err := d.Stop(); err != nil {
			t.Errorf("Stop() = %v", err)
		}
	})
	return d
}

// call runs fn on cpu and waits for it.
func call(t *testing.T, d *Dispatcher, cpu kernel.CPUID, flags msgport.Flags, fn func(*msgport.Message)) {
	t.Helper()
	m := &msgport.Message{Dispatch: func(m *msgport.Message) {
		fn(m)
		msgport.ReplyMsg(m)
	}}
	m.Init(msgport.NullPort{}, flags)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := msgport.DoMsg(ctx, d.Port(cpu), m); err != nil {
		t.Fatalf("DoMsg(cpu%d) = %v", cpu, err)
	}
}

// lockHeld reports whether someone else holds the global lock.
func lockHeld(d *Dispatcher) bool {
	if d.MPLock().TryAcquire() {
		d.MPLock().Release()
		return false
	}
	return true
}

func waitReleased(t *testing.T, d *Dispatcher) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for lockHeld(d) {
		if time.Now().After(deadline) {
			t.Fatal("global lock never released")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{Legacy, Adaptive, Parallel} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Fatalf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	var m Mode
	if err := m.Set("mpsafe"); err != nil || m != Parallel {
		t.Fatalf("Set(mpsafe) = %v, mode %v", err, m)
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Fatal("ParseMode(bogus) = nil error")
	}
	if s := Mode(9).String(); s != "mode(9)" {
		t.Fatalf("String() = %q", s)
	}
}

func TestDispatchOnTargetCPU(t *testing.T) {
	log := &bufLogger{}
	d := startDispatcher(t, 3, Config{Mode: Parallel, Logger: log})

	call(t, d, 2, msgport.FlagMPSafe, func(*msgport.Message) {})
	if n := d.Thread(2).Stats.Dispatched.Load(); n != 1 {
		t.Fatalf("cpu2 dispatched = %d, want 1", n)
	}
	for _, cpu := range []kernel.CPUID{0, 1} {
		if n := d.Thread(cpu).Stats.Dispatched.Load(); n != 0 {
			t.Fatalf("cpu%d dispatched = %d, want 0", cpu, n)
		}
	}
	if !strings.Contains(log.String(), "cpu2 up mode=parallel") {
		t.Fatalf("log = %q", log.String())
	}
}

func TestLegacyHoldsLockForEveryHandler(t *testing.T) {
	d := startDispatcher(t, 2, Config{Mode: Legacy})

	for _, flags := range []msgport.Flags{0, msgport.FlagMPSafe} {
		var held bool
		call(t, d, 1, flags, func(*msgport.Message) { held = lockHeld(d) })
		if !held {
			t.Fatalf("flags %s: handler ran without the global lock", flags)
		}
		waitReleased(t, d)
	}
}

func TestAdaptiveLocksOnlyUnsafeHandlers(t *testing.T) {
	d := startDispatcher(t, 2, Config{Mode: Adaptive})

	var held bool
	call(t, d, 0, msgport.FlagMPSafe, func(*msgport.Message) { held = lockHeld(d) })
	if held {
		t.Fatal("MP-safe handler ran holding the global lock")
	}
	call(t, d, 0, 0, func(*msgport.Message) { held = lockHeld(d) })
	if !held {
		t.Fatal("MP-unsafe handler ran without the global lock")
	}

	// The idle thread drops the lock before sleeping on its port.
	waitReleased(t, d)
	if d.Thread(0).Stats.MPAcquire.Load() != 1 {
		t.Fatalf("MPAcquire = %d, want 1", d.Thread(0).Stats.MPAcquire.Load())
	}
}

func TestParallelNeverLocks(t *testing.T) {
	d := startDispatcher(t, 1, Config{Mode: Parallel})
	var held bool
	call(t, d, 0, 0, func(*msgport.Message) { held = lockHeld(d) })
	if held {
		t.Fatal("parallel mode took the global lock")
	}
}

func TestUnsafeHandlersSerialized(t *testing.T) {
	const (
		ncpu = 4
		per  = 200
	)
	d := startDispatcher(t, ncpu, Config{Mode: Adaptive})

	var (
		inside atomic.Int32
		count  int
		wg     sync.WaitGroup
	)
	wg.Add(ncpu * per)
	for cpu := 0; cpu < ncpu; cpu++ {
		for i := 0; i < per; i++ {
			m := &msgport.Message{Dispatch: func(m *msgport.Message) {
				if n := inside.Add(1); n != 1 {
					t.Errorf("%d unsafe handlers running at once", n)
				}
				count++
				inside.Add(-1)
				wg.Done()
			}}
			m.Init(msgport.PanicPort{}, 0)
			msgport.SendMsg(d.Port(kernel.CPUID(cpu)), m)
		}
	}
	wg.Wait()
	if count != ncpu*per {
		t.Fatalf("count = %d, want %d", count, ncpu*per)
	}
}

func TestFallbackHandler(t *testing.T) {
	var got atomic.Uint32
	d := startDispatcher(t, 1, Config{Mode: Parallel, Handler: func(m *msgport.Message) {
		got.Store(m.Cmd)
		msgport.ReplyMsg(m)
	}})

	m := &msgport.Message{Cmd: 17}
	m.Init(msgport.NullPort{}, 0)
	if err := msgport.DoMsg(context.Background(), d.Port(0), m); err != nil {
		t.Fatalf("DoMsg() = %v", err)
	}
	if got.Load() != 17 {
		t.Fatalf("fallback saw cmd %d, want 17", got.Load())
	}
}

func TestSendIPI(t *testing.T) {
	d := startDispatcher(t, 2, Config{})
	ran := make(chan struct{})
	d.SendIPI(1, func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("IPI not processed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.Thread(1).Stats.IPIs.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("IPIs = %d, want 1", d.Thread(1).Stats.IPIs.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSelfSendRunsInline(t *testing.T) {
	d := startDispatcher(t, 1, Config{Mode: Adaptive})
	port := d.Port(0)

	var inner *msgport.Message
	call(t, d, 0, msgport.FlagMPSafe, func(*msgport.Message) {
		inner = &msgport.Message{Dispatch: func(m *msgport.Message) {
			m.Result.Int = 5
			msgport.ReplyMsg(m)
		}}
		inner.Init(port, msgport.FlagMPSafe)
		if !msgport.BeginMsg(port, inner) {
			t.Error("self-send not completed synchronously")
		}
	})
	if inner.Result.Int != 5 {
		t.Fatalf("Result.Int = %d, want 5", inner.Result.Int)
	}
	if d.Thread(0).Stats.Dispatched.Load() != 2 {
		t.Fatalf("Dispatched = %d, want 2", d.Thread(0).Stats.Dispatched.Load())
	}
}

func TestRunFromOutside(t *testing.T) {
	d := New(kernel.NewSystem(1), Config{Mode: Adaptive})

	var held bool
	m := &msgport.Message{Dispatch: func(m *msgport.Message) {
		held = lockHeld(d)
		msgport.ReplyMsg(m)
	}}
	m.Init(msgport.NullPort{}, 0)
	if err := d.Run(context.Background(), nil, m); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !held || lockHeld(d) {
		t.Fatalf("held during=%v after=%v, want true, false", held, lockHeld(d))
	}

	d.SetMode(Parallel)
	m.Init(msgport.NullPort{}, 0)
	d.Run(context.Background(), nil, m)
	if held {
		t.Fatal("parallel Run took the global lock")
	}
}

func TestStartTwice(t *testing.T) {
	d := startDispatcher(t, 1, Config{})
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("second Start() = nil")
	}
}

func TestThreadOutOfRange(t *testing.T) {
	d := New(kernel.NewSystem(2), Config{})
	defer func() {
		if _, ok := recover().(kernel.PanicInfo); !ok {
			t.Fatal("Thread(2) did not halt")
		}
	}()
	d.Thread(2)
}

func TestStatsSnapshot(t *testing.T) {
	d := startDispatcher(t, 2, Config{Mode: Parallel})
	call(t, d, 1, 0, func(*msgport.Message) {})
	st := d.Stats()
	if len(st) != 2 || st[1]["Dispatched"] != 1 || st[0]["Dispatched"] != 0 {
		t.Fatalf("Stats() = %v", st)
	}
}

func TestNestedCallReleasesLockWhileWaiting(t *testing.T) {
	for _, mode := range []Mode{Legacy, Adaptive} {
		for _, reply := range []string{"thread", "null"} {
			t.Run(mode.String()+"/"+reply, func(t *testing.T) {
				d := startDispatcher(t, 2, Config{Mode: mode})

				var ran, heldAfter bool
				call(t, d, 0, 0, func(*msgport.Message) {
					inner := &msgport.Message{Dispatch: func(m *msgport.Message) {
						ran = d.Thread(1).HoldsMP()
						msgport.ReplyMsg(m)
					}}
					var rp msgport.Port = msgport.NullPort{}
					if reply == "thread" {
						rp = d.Port(0)
					}
					inner.Init(rp, 0)
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					if err := msgport.DoMsg(ctx, d.Port(1), inner); err != nil {
						t.Errorf("inner DoMsg() = %v", err)
					}
					heldAfter = d.Thread(0).HoldsMP()
				})
				if !ran {
					t.Fatal("inner handler did not run under the global lock")
				}
				if !heldAfter {
					t.Fatal("outer handler lost the global lock after waiting")
				}
				if d.Thread(0).Stats.MPRelease.Load() == 0 {
					t.Fatal("cpu0 never released the global lock while waiting")
				}
			})
		}
	}
}

func TestInlineSelfSendKeepsLock(t *testing.T) {
	for _, mode := range []Mode{Legacy, Adaptive} {
		for _, flags := range []msgport.Flags{0, msgport.FlagMPSafe} {
			t.Run(mode.String()+"/"+flags.String(), func(t *testing.T) {
				d := startDispatcher(t, 1, Config{Mode: mode})
				port := d.Port(0)

				var before, after, innerHeld bool
				call(t, d, 0, 0, func(*msgport.Message) {
					before = d.Thread(0).HoldsMP()
					self := &msgport.Message{Dispatch: func(m *msgport.Message) {
						innerHeld = d.Thread(0).HoldsMP()
						msgport.ReplyMsg(m)
					}}
					self.Init(port, flags)
					if !msgport.BeginMsg(port, self) {
						t.Error("self-send not completed synchronously")
					}
					after = d.Thread(0).HoldsMP() && lockHeld(d)
				})
				if !before || !innerHeld || !after {
					t.Fatalf("holds lock before=%v inner=%v after=%v, want all true", before, innerHeld, after)
				}
			})
		}
	}
}

func TestNestedRunRestoresLockState(t *testing.T) {
	d := startDispatcher(t, 1, Config{Mode: Adaptive})
	td := d.Thread(0)

	var innerHeld, after bool
	call(t, d, 0, msgport.FlagMPSafe, func(*msgport.Message) {
		m := &msgport.Message{Dispatch: func(m *msgport.Message) {
			innerHeld = td.HoldsMP()
			msgport.ReplyMsg(m)
		}}
		m.Init(msgport.NullPort{}, 0)
		if err := d.Run(context.Background(), td, m); err != nil {
			t.Errorf("Run() = %v", err)
		}
		after = td.HoldsMP()
	})
	if !innerHeld || after {
		t.Fatalf("inner held=%v, outer held after=%v, want true, false", innerHeld, after)
	}
}

func TestForeignSelfTargetQueued(t *testing.T) {
	d := startDispatcher(t, 1, Config{Mode: Adaptive})
	port := d.Port(0)

	var onThread bool
	m := &msgport.Message{Dispatch: func(m *msgport.Message) {
		onThread = kernel.Mycpu() == d.Thread(0).CPU()
		msgport.ReplyMsg(m)
	}}
	m.Init(port, msgport.FlagMPSafe)
	if msgport.BeginMsg(port, m) {
		t.Fatal("message from outside the thread ran inline")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := msgport.WaitMsg(ctx, m); err != nil {
		t.Fatalf("WaitMsg() = %v", err)
	}
	if !onThread {
		t.Fatal("handler did not run on the dispatch thread")
	}
}

func TestRunForeignThread(t *testing.T) {
	d := startDispatcher(t, 1, Config{})
	m := &msgport.Message{Dispatch: msgport.ReplyMsg}
	m.Init(msgport.NullPort{}, 0)
	defer func() {
		if _, ok := recover().(kernel.PanicInfo); !ok {
			t.Fatal("Run() with a foreign thread did not halt")
		}
	}()
	d.Run(context.Background(), d.Thread(0), m)
}
