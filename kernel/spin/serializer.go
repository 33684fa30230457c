package spin

import (
	"fmt"
	"sync/atomic"

	"lwkt/kernel"
)

// Serializer is an exclusive lock guarding data touched from both thread and
// callback context. Debug builds (tag lwktdebug) record the holder identity so
// AssertHeld can tell holders apart.
type Serializer struct {
	spin  Spinlock
	owner atomic.Value // holder
}

type holder struct {
	who any
}

// Enter acquires the serializer on behalf of who.
func (s *Serializer) Enter(gd *kernel.Globaldata, who any) {
	s.spin.Lock(gd)
	s.setOwner(who)
}

// TryEnter makes one attempt to acquire the serializer on behalf of who.
func (s *Serializer) TryEnter(gd *kernel.Globaldata, who any) bool {
	if !s.spin.TryLock(gd) {
		return false
	}
	s.setOwner(who)
	return true
}

// Exit releases the serializer.
func (s *Serializer) Exit(gd *kernel.Globaldata) {
	s.setOwner(nil)
	s.spin.Unlock(gd)
}

// Held reports whether anyone holds the serializer.
func (s *Serializer) Held() bool {
	return s.spin.Held()
}

// AssertHeld halts unless who holds the serializer. Without debug holder
// tracking it only checks that the serializer is held.
func (s *Serializer) AssertHeld(who any) {
	if !s.spin.Held() {
		kernel.Fatal(kernel.PanicInfo{CPU: -1, Value: "serializer not held", Detail: fmt.Sprintf("serializer=%p", s)})
	}
	if !serializerDebug {
		return
	}
	if cur := s.currentOwner(); cur != who {
		kernel.Fatal(kernel.PanicInfo{
			CPU:    -1,
			Value:  "serializer held by another owner",
			Detail: fmt.Sprintf("serializer=%p owner=%v caller=%v", s, cur, who),
		})
	}
}

func (s *Serializer) setOwner(who any) {
	if serializerDebug {
		s.owner.Store(holder{who: who})
	}
}

func (s *Serializer) currentOwner() any {
	h, _ := s.owner.Load().(holder)
	return h.who
}
