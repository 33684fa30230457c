package kernel

// Crit is an open critical section on one CPU. While the CPU's critical depth is
// non-zero its dispatch thread is not preempted and spinlock holders may not block.
//
//	c := kernel.EnterCrit(gd)
//	defer c.Exit()
type Crit struct {
	gd *Globaldata
}

// EnterCrit opens a critical section on gd. A nil gd yields a no-op guard.
func EnterCrit(gd *Globaldata) Crit {
	if gd != nil {
		gd.critEnter()
	}
	return Crit{gd: gd}
}

// Exit closes the critical section.
func (c Crit) Exit() {
	if c.gd != nil {
		c.gd.critExit()
	}
}

func (gd *Globaldata) critEnter() {
	gd.critCount.Add(1)
	gd.Stats.CritEnter.Inc()
}

func (gd *Globaldata) critExit() {
	if gd.critCount.Add(-1) < 0 {
		Fatal(PanicInfo{CPU: gd.id, Value: "critical section underflow"})
	}
}
