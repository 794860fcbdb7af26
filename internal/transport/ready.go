// Package transport implements the Transport-Ready Gate: a bounded
// polling wait used at startup to block until a channel's outbound
// transport (a websocket, a bot API session) is actually usable, with
// periodic log notices so a slow connect doesn't look like a hang.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CheckFunc reports whether the transport is ready to use.
type CheckFunc func(ctx context.Context) (bool, error)

// Options configures WaitForReady.
type Options struct {
	Timeout       time.Duration // 0 = no timeout (wait on ctx only)
	LogAfter      time.Duration // emit the first "still waiting" notice after this long
	LogInterval   time.Duration // repeat notices at this cadence thereafter
	PollInterval  time.Duration // how often to call Check
	Name          string        // used in log notices, e.g. "telegram"
}

// DefaultOptions returns sensible polling/log cadences.
func DefaultOptions(name string) Options {
	return Options{
		Timeout:      60 * time.Second,
		LogAfter:     5 * time.Second,
		LogInterval:  10 * time.Second,
		PollInterval: 500 * time.Millisecond,
		Name:         name,
	}
}

// WaitForReady polls check until it reports ready, ctx is canceled, or
// opts.Timeout elapses (if nonzero). Logs a notice if the wait runs long.
func WaitForReady(ctx context.Context, check CheckFunc, opts Options) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	nextLogAt := opts.LogAfter

	for {
		ready, err := check(waitCtx)
		if err != nil {
			return fmt.Errorf("transport %s: ready check failed: %w", opts.Name, err)
		}
		if ready {
			return nil
		}

		select {
		case <-waitCtx.Done():
			if opts.Timeout > 0 && time.Since(start) >= opts.Timeout {
				return fmt.Errorf("transport %s: not ready after %s", opts.Name, opts.Timeout)
			}
			return waitCtx.Err()
		case <-ticker.C:
			if nextLogAt > 0 && time.Since(start) >= nextLogAt {
				slog.Info("waiting for transport to become ready", "transport", opts.Name, "waited", time.Since(start).Round(time.Second))
				nextLogAt += opts.LogInterval
				if opts.LogInterval <= 0 {
					nextLogAt = 0
				}
			}
		}
	}
}
