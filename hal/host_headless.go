package hal

import (
	"context"
	"fmt"
	"time"
)

// HeadlessConfig controls the host runner.
type HeadlessConfig struct {
	Host HostConfig
	// Hz is the step rate.
	Hz int
	// Ticks stops the run after that many steps. Zero runs until ctx ends.
	Ticks uint64
}

// RunHeadless boots newApp on a host HAL and calls the returned step function
// at cfg.Hz, advancing the tick stream before each step.
func RunHeadless(ctx context.Context, newApp func(context.Context, HAL) (func() error, error), cfg HeadlessConfig) error {
	if cfg.Hz <= 0 {
		cfg.Hz = 1000
	}
	d := time.Second / time.Duration(cfg.Hz)
	if d <= 0 {
		return fmt.Errorf("invalid headless hz: %d", cfg.Hz)
	}

	h := newHost(cfg.Host)
	defer h.t.close()

	step, err := newApp(ctx, h)
	if err != nil {
		return err
	}

	t := time.NewTicker(d)
	defer t.Stop()

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			h.t.advance()
			if step != nil {
				if err := step(); err != nil {
					return err
				}
			}
			tick++
			if cfg.Ticks > 0 && tick >= cfg.Ticks {
				return nil
			}
		}
	}
}
