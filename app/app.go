package app

import (
	"context"
	"errors"
	"fmt"

	"lwkt/hal"
	"lwkt/internal/buildinfo"
	"lwkt/kernel"
	"lwkt/kernel/dispatch"
	"lwkt/kernel/msgport"
	"lwkt/kernel/netisr"
	"lwkt/kernel/umtx"
)

// Futex backends selectable in Config.
const (
	FutexOS    = "os"
	FutexTable = "table"
)

type Config struct {
	// CPUs overrides the HAL processor count when positive.
	CPUs int
	Mode dispatch.Mode
	// Futex selects the contested-mutex primitive: FutexOS or FutexTable.
	Futex string
	// Handler serves dispatch messages without a Dispatch function.
	Handler msgport.DispatchFunc
}

// System is a booted kernel: the CPU arena, its dispatch threads, the event
// registry and the contested-mutex primitive.
type System struct {
	HAL        hal.HAL
	CPUs       *kernel.System
	Dispatcher *dispatch.Dispatcher
	Netisr     *netisr.Registry
	Futex      umtx.Primitive

	cancel context.CancelFunc
	ticks  chan struct{}
}

// Boot creates and starts a System on h. It stops when ctx ends or on Shutdown.
func Boot(ctx context.Context, h hal.HAL, cfg Config) (*System, error) {
	installPanicHandler(h)

	ncpu := cfg.CPUs
	if ncpu <= 0 {
		ncpu = h.CPUs()
	}
	futex, err := newFutex(cfg.Futex)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &System{
		HAL:    h,
		CPUs:   kernel.NewSystem(ncpu),
		Futex:  futex,
		cancel: cancel,
		ticks:  make(chan struct{}),
	}
	s.Dispatcher = dispatch.New(s.CPUs, dispatch.Config{
		Mode:    cfg.Mode,
		Logger:  h.Logger(),
		Handler: cfg.Handler,
	})
	s.Netisr = netisr.New(s.Dispatcher, h.Logger())

	go s.followTicks(ctx)

	if err := s.Dispatcher.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	h.Logger().WriteLineString(fmt.Sprintf("lwkt %s: %d cpus mode=%s futex=%T", buildinfo.Short(), ncpu, cfg.Mode, futex))
	return s, nil
}

func newFutex(name string) (umtx.Primitive, error) {
	switch name {
	case "", FutexOS:
		return umtx.Default(), nil
	case FutexTable:
		return umtx.NewTable(), nil
	default:
		return nil, fmt.Errorf("app: unknown futex backend %q", name)
	}
}

// followTicks advances the system timebase from the HAL tick stream.
func (s *System) followTicks(ctx context.Context) {
	defer close(s.ticks)
	ht := s.HAL.Time()
	if ht == nil {
		return
	}
	ch := ht.Ticks()
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case seq, ok := <-ch:
			if !ok {
				return
			}
			s.CPUs.TickTo(seq)
		}
	}
}

// Shutdown stops the dispatch threads and the tick follower.
func (s *System) Shutdown() error {
	s.cancel()
	err := s.Dispatcher.Stop()
	<-s.ticks
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
