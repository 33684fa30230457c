package dispatch

import (
	"fmt"
	"strings"
)

// Mode selects how dispatch threads treat the global lock.
type Mode int32

const (
	// Legacy holds the global lock around every handler.
	Legacy Mode = iota
	// Adaptive holds the global lock only for handlers that are not MP-safe and
	// leaves it released after MP-safe ones.
	Adaptive
	// Parallel never takes the global lock.
	Parallel
)

func (m Mode) String() string {
	switch m {
	case Legacy:
		return "legacy"
	case Adaptive:
		return "adaptive"
	case Parallel:
		return "parallel"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// ParseMode accepts the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy", "0":
		return Legacy, nil
	case "adaptive", "1":
		return Adaptive, nil
	case "parallel", "mpsafe", "2":
		return Parallel, nil
	default:
		return 0, fmt.Errorf("dispatch: unknown mode %q", s)
	}
}

// Set implements flag.Value.
func (m *Mode) Set(s string) error {
	v, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
