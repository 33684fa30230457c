package hal

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// Time provides a base tick stream.
//
// The tick duration is platform-defined; higher-level timers live above the kernel.
type Time interface {
	Ticks() <-chan uint64
}

// HAL provides the only contact point between the kernel and the host.
type HAL interface {
	Logger() Logger
	Time() Time
	// CPUs is the number of processors the kernel may bind dispatch threads to.
	CPUs() int
}

type discard struct{}

func (discard) WriteLineString(string) {}
func (discard) WriteLineBytes([]byte)  {}

// Discard returns a Logger that drops every line.
func Discard() Logger { return discard{} }
