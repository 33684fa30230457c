//go:build linux

package kernel

import "golang.org/x/sys/unix"

// threadID identifies the OS thread of the caller. Bound goroutines are locked
// to their thread, so no other goroutine can report the same id.
func threadID() int64 { return int64(unix.Gettid()) }
