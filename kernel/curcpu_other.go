//go:build !linux

package kernel

import (
	"bytes"
	"runtime"
	"strconv"
)

// threadID identifies the goroutine of the caller, parsed from its stack header.
func threadID() int64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}
