package hal

import (
	"io"
	"os"
	"runtime"
	"sync"
)

// HostConfig configures the host HAL.
type HostConfig struct {
	// Out receives log lines. Nil means standard output.
	Out io.Writer
	// CPUs overrides the processor count. Zero uses GOMAXPROCS.
	CPUs int
}

type hostHAL struct {
	logger *hostLogger
	t      *hostTime
	ncpu   int
}

// New returns a host HAL implementation.
func New(cfg HostConfig) HAL {
	return newHost(cfg)
}

func newHost(cfg HostConfig) *hostHAL {
	w := cfg.Out
	if w == nil {
		w = os.Stdout
	}
	n := cfg.CPUs
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &hostHAL{
		logger: &hostLogger{w: w},
		t:      newHostTime(),
		ncpu:   n,
	}
}

func (h *hostHAL) Logger() Logger { return h.logger }
func (h *hostHAL) Time() Time     { return h.t }
func (h *hostHAL) CPUs() int      { return h.ncpu }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.w, s)
	l.w.Write([]byte{'\n'})
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
