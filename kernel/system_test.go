package kernel

import (
	"strings"
	"testing"
)

func expectFatal(t *testing.T, substr string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected fatal assertion containing %q", substr)
		}
		info, ok := r.(PanicInfo)
		if !ok {
			t.Fatalf("recovered %T, want PanicInfo", r)
		}
		if !strings.Contains(info.Error(), substr) {
			t.Fatalf("panic = %q, want it to contain %q", info.Error(), substr)
		}
		if len(info.Stack) == 0 {
			t.Fatal("expected a captured stack")
		}
	}()
	fn()
}

func TestNewSystemArena(t *testing.T) {
	sys := NewSystem(4)
	if sys.NCPU() != 4 {
		t.Fatalf("NCPU() = %d, want 4", sys.NCPU())
	}
	for i := 0; i < 4; i++ {
		if got := sys.CPU(CPUID(i)).ID(); got != CPUID(i) {
			t.Fatalf("CPU(%d).ID() = %d", i, got)
		}
	}
	if sys.CPU(2) != sys.CPU(2) {
		t.Fatal("CPU() returned different blocks for the same id")
	}
}

func TestCPUOutOfRange(t *testing.T) {
	sys := NewSystem(1)
	expectFatal(t, "cpu id out of range", func() { sys.CPU(1) })
}

func TestCritGuard(t *testing.T) {
	sys := NewSystem(1)
	gd := sys.CPU(0)

	func() {
		c := EnterCrit(gd)
		defer c.Exit()
		inner := EnterCrit(gd)
		if gd.CritDepth() != 2 {
			t.Fatalf("CritDepth() = %d, want 2", gd.CritDepth())
		}
		inner.Exit()
	}()
	if gd.CritDepth() != 0 {
		t.Fatalf("CritDepth() = %d after exit, want 0", gd.CritDepth())
	}

	EnterCrit(nil).Exit()
}

func TestSpinAccountingOpensCrit(t *testing.T) {
	sys := NewSystem(1)
	gd := sys.CPU(0)

	gd.SpinEnter()
	gd.SpinEnter()
	if gd.SpinlocksHeld() != 2 || gd.CritDepth() != 1 {
		t.Fatalf("held=%d crit=%d, want 2 and 1", gd.SpinlocksHeld(), gd.CritDepth())
	}
	expectFatal(t, "blocking while holding a spinlock", func() { AssertCanBlock(gd) })
	gd.SpinExit()
	gd.SpinExit()
	if gd.CritDepth() != 0 {
		t.Fatalf("CritDepth() = %d, want 0", gd.CritDepth())
	}
	AssertCanBlock(gd)
	AssertCanBlock(nil)
}

func TestTickTo(t *testing.T) {
	sys := NewSystem(1)
	sys.TickTo(5)
	sys.TickTo(3)
	if sys.Ticks() != 5 {
		t.Fatalf("Ticks() = %d, want 5", sys.Ticks())
	}
}

func TestPanicHandlerRunsOnce(t *testing.T) {
	var calls int
	SetPanicHandler(func(PanicInfo) { calls++ })
	defer SetPanicHandler(nil)

	expectFatal(t, "first", func() { Assertf(false, 0, "first") })
	expectFatal(t, "second", func() { Assertf(false, 0, "second") })
	if !InPanicMode() {
		t.Fatal("InPanicMode() = false after Fatal")
	}
	if calls > 1 {
		t.Fatalf("panic handler ran %d times, want at most 1", calls)
	}
}

func TestStatsSnapshot(t *testing.T) {
	var st CPUStats
	st.IPISent.Add(3)
	snap := Snapshot(&st)
	if snap["IPISent"] != 3 {
		t.Fatalf("Snapshot()[IPISent] = %d, want 3", snap["IPISent"])
	}
	if !strings.Contains(Stats2String(&st), "#IPISent: 3") {
		t.Fatalf("Stats2String() = %q", Stats2String(&st))
	}
}
