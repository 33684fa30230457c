package app

import (
	"fmt"
	"strings"

	"lwkt/hal"
	"lwkt/kernel"
)

func installPanicHandler(h hal.HAL) {
	kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		l := h.Logger()
		if l == nil {
			return
		}
		l.WriteLineString(fmt.Sprintf("lwkt panic: cpu=%d panic=%v", info.CPU, info.Value))
		if info.Detail != "" {
			l.WriteLineString("detail: " + info.Detail)
		}
		if len(info.Stack) == 0 {
			l.WriteLineString("stack: unavailable")
			return
		}
		l.WriteLineString("stack:")
		for _, line := range strings.Split(string(info.Stack), "\n") {
			if line == "" {
				continue
			}
			l.WriteLineString(line)
		}
	})
}
