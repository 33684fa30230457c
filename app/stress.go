package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lwkt/kernel"
	"lwkt/kernel/msgport"
	"lwkt/kernel/netisr"
	"lwkt/umutex"
)

// Event classes registered by Stress.
const (
	EventSafe   = 1
	EventUnsafe = 2
	EventTimer  = 3
)

// StressConfig sizes a Stress run.
type StressConfig struct {
	// Items is the number of items queued per event class.
	Items int
	// Calls is the number of synchronous round trips per CPU.
	Calls int
	// Lockers and LockIters size the user mutex race.
	Lockers   int
	LockIters int
	// Schedules is the number of deferred scheduling requests.
	Schedules int
}

// StressReport summarizes a Stress run.
type StressReport struct {
	Safe   int64
	Unsafe int64
	Calls  int64
	Timer  int64
	Locked int
	// UnsafeOverlaps counts MP-unsafe handlers seen running concurrently,
	// which only the parallel mode allows.
	UnsafeOverlaps int64
	// LockOverlaps counts user mutex holders seen inside together.
	LockOverlaps int64
	Elapsed      time.Duration
}

func (r StressReport) String() string {
	return fmt.Sprintf("safe=%d unsafe=%d calls=%d timer=%d locked=%d unsafe-overlaps=%d lock-overlaps=%d elapsed=%s",
		r.Safe, r.Unsafe, r.Calls, r.Timer, r.Locked, r.UnsafeOverlaps, r.LockOverlaps, r.Elapsed)
}

// Stress drives every layer of s: queued MP-safe and MP-unsafe events spread
// across CPUs, synchronous round trips to each dispatch thread, coalesced
// deferred runs, and a user mutex raced over the contested-mutex primitive.
func (s *System) Stress(ctx context.Context, cfg StressConfig) (StressReport, error) {
	start := time.Now()
	var (
		rep    StressReport
		safe   atomic.Int64
		unsafe atomic.Int64
		timer  atomic.Int64
		inside atomic.Int32
		uover  atomic.Int64
		lover  atomic.Int64
	)
	d := s.Dispatcher
	byItem := netisr.ByHash(d, func(item any) uint64 { return uint64(item.(int)) })

	s.Netisr.Register(EventSafe, byItem, func(*msgport.Message) { safe.Add(1) }, netisr.MPSafe)
	s.Netisr.Register(EventUnsafe, byItem, func(*msgport.Message) {
		if inside.Add(1) != 1 {
			uover.Add(1)
		}
		unsafe.Add(1)
		inside.Add(-1)
	}, 0)
	s.Netisr.Register(EventTimer, netisr.OnCPU(d, kernel.CPUID(d.NCPU()-1)), func(*msgport.Message) { timer.Add(1) }, netisr.MPSafe)
	defer func() {
		s.Netisr.Unregister(EventSafe)
		s.Netisr.Unregister(EventUnsafe)
		s.Netisr.Unregister(EventTimer)
	}()

	for i := 0; i < cfg.Items; i++ {
		if err := s.Netisr.Queue(EventSafe, i); err != nil {
			return rep, err
		}
		if err := s.Netisr.Queue(EventUnsafe, i); err != nil {
			return rep, err
		}
	}
	for i := 0; i < cfg.Schedules; i++ {
		s.Netisr.Schedule(EventTimer)
	}

	var wg sync.WaitGroup
	errs := make(chan error, d.NCPU()+cfg.Lockers)

	var calls atomic.Int64
	for cpu := 0; cpu < d.NCPU(); cpu++ {
		port := d.Port(kernel.CPUID(cpu))
		wg.Add(1)
		go func() {
			defer wg.Done()
			var reply msgport.NullPort
			for i := 0; i < cfg.Calls; i++ {
				m := &msgport.Message{Dispatch: func(m *msgport.Message) {
					m.Result.Int = m.Arg.(int64) + 1
					msgport.ReplyMsg(m)
				}, Arg: int64(i)}
				m.Init(reply, msgport.FlagMPSafe)
				if err := msgport.DoMsg(ctx, port, m); err != nil {
					errs <- err
					return
				}
				if m.Result.Int != int64(i)+1 {
					errs <- fmt.Errorf("app: round trip %d returned %d", i, m.Result.Int)
					return
				}
				calls.Add(1)
			}
		}()
	}

	mu := umutex.New(s.Futex)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var lwg sync.WaitGroup
		var held atomic.Int32
		for w := 0; w < cfg.Lockers; w++ {
			lwg.Add(1)
			go func() {
				defer lwg.Done()
				for i := 0; i < cfg.LockIters; i++ {
					if err := mu.Lock(ctx); err != nil {
						errs <- err
						return
					}
					if held.Add(1) != 1 {
						lover.Add(1)
					}
					rep.Locked++
					held.Add(-1)
					if err := mu.Unlock(); err != nil {
						errs <- err
						return
					}
				}
			}()
		}
		lwg.Wait()
	}()

	wg.Wait()
	select {
	case err := <-errs:
		return rep, err
	default:
	}

	want := int64(cfg.Items)
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for safe.Load() < want || unsafe.Load() < want || cfg.Schedules > 0 && timer.Load() == 0 || s.Netisr.Pending(EventTimer) {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case <-tick.C:
		}
	}

	rep.Safe = safe.Load()
	rep.Unsafe = unsafe.Load()
	rep.Calls = calls.Load()
	rep.Timer = timer.Load()
	rep.UnsafeOverlaps = uover.Load()
	rep.LockOverlaps = lover.Load()
	rep.Elapsed = time.Since(start)
	return rep, nil
}
