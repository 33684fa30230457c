package kernel

import (
	"runtime"
	"sync"
	"testing"
)

func TestMailboxTryRecvEmpty(t *testing.T) {
	var mb Mailbox

	_, ok := mb.TryRecv()
	if ok {
		t.Fatalf("TryRecv() ok = true, want false")
	}
}

func TestMailboxTrySendFull(t *testing.T) {
	var mb Mailbox

	for i := 0; i < mailboxSlots; i++ {
		if ok := mb.TrySend(func() {}); !ok {
			t.Fatalf("TrySend() ok = false at slot %d, want true", i)
		}
	}
	if ok := mb.TrySend(func() {}); ok {
		t.Fatalf("TrySend() ok = true when full, want false")
	}

	for i := 0; i < mailboxSlots; i++ {
		if _, ok := mb.TryRecv(); !ok {
			t.Fatalf("TryRecv() ok = false at slot %d, want true", i)
		}
	}
	if ok := mb.TrySend(func() {}); !ok {
		t.Fatalf("TrySend() ok = false after drain, want true")
	}
}

func TestMailboxFIFO(t *testing.T) {
	var mb Mailbox
	var got []int
	for i := 0; i < 3*mailboxSlots; i++ {
		i := i
		mb.Send(func() { got = append(got, i) })
		mb.Recv()()
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Recv() order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestMailboxConcurrentProducers(t *testing.T) {
	oldProcs := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(oldProcs)

	const (
		producers = 4
		perProd   = 10_000
		total     = producers * perProd
	)

	var mb Mailbox
	seen := make([]bool, total)

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(producers)
	for producerID := 0; producerID < producers; producerID++ {
		go func(producerID int) {
			defer wg.Done()
			<-start
			for i := 0; i < perProd; i++ {
				id := producerID*perProd + i
				mb.Send(func() {
					if seen[id] {
						t.Errorf("Recv() duplicate id %d", id)
					}
					seen[id] = true
				})
			}
		}(producerID)
	}
	close(start)

	for i := 0; i < total; i++ {
		mb.Recv()()
	}
	wg.Wait()

	for id, ok := range seen {
		if !ok {
			t.Fatalf("id %d never received", id)
		}
	}
}

func TestProcessIPIsRunsQueued(t *testing.T) {
	sys := NewSystem(2)
	gd := sys.CPU(1)

	var n int
	for i := 0; i < 5; i++ {
		gd.SendIPI(func() { n++ })
	}
	if got := gd.PendingIPIs(); got != 5 {
		t.Fatalf("PendingIPIs() = %d, want 5", got)
	}
	if got := gd.ProcessIPIs(); got != 5 {
		t.Fatalf("ProcessIPIs() = %d, want 5", got)
	}
	if n != 5 {
		t.Fatalf("ran %d IPIs, want 5", n)
	}
	if got := gd.Stats.IPIProcessed.Load(); got != 5 {
		t.Fatalf("IPIProcessed = %d, want 5", got)
	}
}
