// Command lwktstress boots the kernel substrate on the host and drives every
// layer with a synthetic workload, printing per-round reports and counters.
//
// Flags may also be given in LWKT_FLAGS, which is split like a shell command
// line and placed before the command line arguments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/shlex"

	"lwkt/app"
	"lwkt/hal"
	"lwkt/internal/buildinfo"
	"lwkt/kernel"
	"lwkt/kernel/dispatch"
	"lwkt/kernel/msgport"
	"lwkt/kernel/spin"
	"lwkt/kernel/umtx"
)

const envFlags = "LWKT_FLAGS"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Args[1:], os.Getenv(envFlags), os.Stdout)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, flag.ErrHelp):
	default:
		fatalf("lwktstress: %v", err)
	}
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}

type options struct {
	cfg     app.Config
	stress  app.StressConfig
	rounds  uint64
	hz      int
	timeout time.Duration
	stats   bool
	version bool
}

func parseFlags(args []string, env string, out io.Writer) (options, error) {
	var o options
	o.cfg.Mode = dispatch.Adaptive

	fs := flag.NewFlagSet("lwktstress", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.IntVar(&o.cfg.CPUs, "cpus", 0, "Dispatch threads to boot (0 = GOMAXPROCS).")
	fs.Var(&o.cfg.Mode, "mode", "Global lock mode: legacy|adaptive|parallel.")
	fs.StringVar(&o.cfg.Futex, "futex", app.FutexOS, "Contested-mutex primitive: os|table.")
	fs.IntVar(&o.stress.Items, "items", 10000, "Items queued per event class each round.")
	fs.IntVar(&o.stress.Calls, "calls", 1000, "Synchronous round trips per CPU each round.")
	fs.IntVar(&o.stress.Lockers, "lockers", 8, "Goroutines racing the user mutex.")
	fs.IntVar(&o.stress.LockIters, "iters", 1000, "Lock/unlock pairs per locker each round.")
	fs.IntVar(&o.stress.Schedules, "schedules", 100, "Deferred scheduling requests each round.")
	fs.Uint64Var(&o.rounds, "rounds", 1, "Workload rounds to run.")
	fs.IntVar(&o.hz, "hz", 100, "Round rate.")
	fs.DurationVar(&o.timeout, "timeout", time.Minute, "Upper bound for one round.")
	fs.BoolVar(&o.stats, "stats", false, "Print diagnostic counters on exit.")
	fs.BoolVar(&o.version, "version", false, "Print the build identifier and exit.")

	pre, err := shlex.Split(env)
	if err != nil {
		return o, fmt.Errorf("%s: %w", envFlags, err)
	}
	if err := fs.Parse(append(pre, args...)); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.rounds == 0 {
		return o, errors.New("rounds must be positive")
	}
	return o, nil
}

func run(ctx context.Context, args []string, env string, out io.Writer) error {
	o, err := parseFlags(args, env, out)
	if err != nil {
		return err
	}
	if o.version {
		fmt.Fprintf(out, "lwktstress %s (commit %s, built %s)\n", buildinfo.Short(), buildinfo.Commit, buildinfo.Date)
		return nil
	}

	var sys *app.System
	err = hal.RunHeadless(ctx, func(ctx context.Context, h hal.HAL) (func() error, error) {
		s, err := app.Boot(ctx, h, o.cfg)
		if err != nil {
			return nil, err
		}
		sys = s
		round := 0
		return func() error {
			round++
			rctx, cancel := context.WithTimeout(ctx, o.timeout)
			defer cancel()
			rep, err := s.Stress(rctx, o.stress)
			if err != nil {
				return fmt.Errorf("round %d: %w", round, err)
			}
			h.Logger().WriteLineString(fmt.Sprintf("round %d: %s", round, rep))
			if rep.LockOverlaps != 0 || s.Dispatcher.Mode() != dispatch.Parallel && rep.UnsafeOverlaps != 0 {
				return fmt.Errorf("round %d: mutual exclusion violated: %s", round, rep)
			}
			return nil
		}, nil
	}, hal.HeadlessConfig{Host: hal.HostConfig{Out: out}, Hz: o.hz, Ticks: o.rounds})

	if sys != nil {
		if serr := sys.Shutdown(); err == nil {
			err = serr
		}
		if o.stats {
			printStats(out, sys)
		}
	}
	return err
}

func printStats(w io.Writer, s *app.System) {
	fmt.Fprintf(w, "ticks: %d\n", s.CPUs.Ticks())
	fmt.Fprintf(w, "spin:%s", kernel.Stats2String(&spin.Stats))
	fmt.Fprintf(w, "umtx:%s", kernel.Stats2String(&umtx.Stats))
	fmt.Fprintf(w, "msgport:%s", kernel.Stats2String(&msgport.Stats))
	fmt.Fprintf(w, "netisr:%s", kernel.Stats2String(&s.Netisr.Stats))
	fmt.Fprintf(w, "mplock:%s", kernel.Stats2String(s.Dispatcher.MPLock()))
	for i := 0; i < s.Dispatcher.NCPU(); i++ {
		td := s.Dispatcher.Thread(kernel.CPUID(i))
		fmt.Fprintf(w, "cpu%d:%s", i, kernel.Stats2String(&td.Stats))
		fmt.Fprintf(w, "cpu%d ipi:%s", i, kernel.Stats2String(&td.CPU().Stats))
	}
}
