//go:build !linux

package umtx

var defaultTable = NewTable()

// Default returns the process-wide kernel wait table.
func Default() Primitive { return defaultTable }
