// Package restart implements the Restart Controller: a coalescing,
// cooldown-gated one-shot signal that the gateway process should restart
// itself (e.g. after a config reload or self-upgrade), dispatched via the
// host's service manager.
package restart

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

const defaultCooldown = 30 * time.Second

// Request describes one restart ask.
type Request struct {
	DelayMs int64
	Reason  string
	Audit   string // free-form audit note (who/what triggered this)
}

// Scheduled is the outcome of a successful ScheduleRestart call.
type Scheduled struct {
	FireAt time.Time
	Reason string
	Token  int64
}

// DispatchFunc executes the platform restart command. Overridable for tests.
type DispatchFunc func(ctx context.Context) error

// Controller coalesces concurrent restart requests into a single
// scheduled restart, and refuses to fire again within the cooldown
// window after a restart was last dispatched.
type Controller struct {
	cooldown time.Duration
	dispatch DispatchFunc

	mu       sync.Mutex
	token    int64
	timer    *time.Timer
	lastFire time.Time
	pending  *Scheduled
}

// New builds a Controller using the platform-default dispatch command.
func New() *Controller {
	return &Controller{cooldown: defaultCooldown, dispatch: defaultDispatch}
}

// NewWithDispatch builds a Controller using a custom DispatchFunc, for
// tests or non-standard deployments.
func NewWithDispatch(dispatch DispatchFunc) *Controller {
	return &Controller{cooldown: defaultCooldown, dispatch: dispatch}
}

// ScheduleRestart arms a restart to fire after req.DelayMs. A second call
// while one is already pending coalesces into the pending restart (first
// reason wins, token unchanged) rather than arming a second timer.
func (c *Controller) ScheduleRestart(req Request) (*Scheduled, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastFire.IsZero() && time.Since(c.lastFire) < c.cooldown {
		return nil, fmt.Errorf("restart: in cooldown for %s", c.cooldown-time.Since(c.lastFire))
	}
	if c.pending != nil {
		return c.pending, nil // coalesce
	}

	c.token++
	delay := time.Duration(req.DelayMs) * time.Millisecond
	sched := &Scheduled{FireAt: time.Now().Add(delay), Reason: req.Reason, Token: c.token}
	c.pending = sched

	c.timer = time.AfterFunc(delay, func() { c.fire(sched.Token) })
	slog.Info("restart scheduled", "reason", req.Reason, "delayMs", req.DelayMs, "audit", req.Audit)
	return sched, nil
}

// Cancel aborts a pending restart if its token still matches the
// currently-pending one. Returns true if it canceled anything.
func (c *Controller) Cancel(token int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.Token != token {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.pending = nil
	return true
}

func (c *Controller) fire(token int64) {
	c.mu.Lock()
	if c.pending == nil || c.pending.Token != token {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.lastFire = time.Now()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.dispatch(ctx); err != nil {
		slog.Error("restart dispatch failed", "error", err)
	}
}

func defaultDispatch(ctx context.Context) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.CommandContext(ctx, "launchctl", "kickstart", "-k", "gui/$(id -u)/com.goclaw.gateway").Run()
	case "linux":
		return exec.CommandContext(ctx, "systemctl", "restart", "goclaw-gateway").Run()
	default:
		return fmt.Errorf("restart: unsupported platform %s", runtime.GOOS)
	}
}
