package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// PanicInfo contains details about a fatal assertion.
type PanicInfo struct {
	CPU    CPUID
	Value  any
	Detail string
	Stack  []byte
}

func (p PanicInfo) Error() string {
	if p.Detail == "" {
		return fmt.Sprintf("kernel panic: cpu=%d %v", p.CPU, p.Value)
	}
	return fmt.Sprintf("kernel panic: cpu=%d %v (%s)", p.CPU, p.Value, p.Detail)
}

var (
	panicActive atomic.Bool
	panicOnce   sync.Once

	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether a fatal assertion has fired.
func InPanicMode() bool {
	return panicActive.Load()
}

// SetPanicHandler installs a process-wide panic handler.
//
// The handler is invoked at most once (on the first panic). It must not panic.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

// Fatal reports a broken invariant and panics with info. It never returns.
//
// Use a CPU of -1 when the caller is not bound to a CPU.
func Fatal(info PanicInfo) {
	info.Stack = captureStack()
	triggerPanic(info)
	panic(info)
}

// Assertf halts with the formatted message when cond is false.
func Assertf(cond bool, cpu CPUID, format string, args ...any) {
	if cond {
		return
	}
	Fatal(PanicInfo{CPU: cpu, Value: fmt.Sprintf(format, args...)})
}

func triggerPanic(info PanicInfo) {
	panicOnce.Do(func() {
		panicActive.Store(true)
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}
