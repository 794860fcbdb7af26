// Package cron implements the Cron Service: a scheduling state machine
// over a persisted CronStore that computes next-run times for cron- and
// at-kind schedules, enforces per-job singleton execution, and records run
// logs. Isolated runs get their own ":run:<uuid>" session keys; nothing in
// this package deletes those sessions afterwards.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// RetryConfig governs job retry on failure.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig mirrors the teacher's CronConfig defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// AgentJobFunc runs one agentTurn payload and returns a human summary for
// the run log. sessionKey is the isolated or main session key to use.
type AgentJobFunc func(ctx context.Context, sessionKey string, payload store.CronPayload) (summary string, err error)

// SystemEventFunc enqueues a system event payload into a live main session.
type SystemEventFunc func(sessionKey, eventName string)

// DeliverFunc routes a finished job's summary per its CronDelivery config
// (e.g. publishing to a channel when Mode is "announce" or "direct").
type DeliverFunc func(job store.CronJob, summary string, runErr error)

// Service is the Cron scheduling loop. All mutation of CronStore state
// goes through short critical sections; agent execution always happens
// outside the store lock.
type Service struct {
	store       store.CronStore
	runLog      *RunLog
	retryCfg    RetryConfig
	runAgentJob AgentJobFunc
	enqueueSys  SystemEventFunc
	deliver     DeliverFunc
	nowMs       func() int64

	mu      sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	running bool
}

// NewService constructs a Cron Service over store, recording run logs via
// runLog and executing agentTurn jobs via runAgentJob.
func NewService(cronStore store.CronStore, runLog *RunLog, retryCfg RetryConfig, runAgentJob AgentJobFunc, enqueueSys SystemEventFunc) *Service {
	return &Service{
		store:       cronStore,
		runLog:      runLog,
		retryCfg:    retryCfg,
		runAgentJob: runAgentJob,
		enqueueSys:  enqueueSys,
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Start loads the store, recomputes next-run times for maintenance only
// (never overwriting a past-due nextRunAtMs), and arms the scheduling
// loop. Call Stop to shut down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.store.RecomputeNextRun(s.computeNextRun); err != nil {
		return fmt.Errorf("recompute next runs: %w", err)
	}

	go s.loop(ctx)
	return nil
}

// Stop halts the scheduling loop. In-flight job executions are not
// canceled; they run to completion.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Service) loop(ctx context.Context) {
	const tick = 15 * time.Second
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runDueJobs(ctx)
		}
	}
}

// runDueJobs finds and fires every job whose nextRunAtMs has passed. Each
// due job is marked running (short critical section) then executed
// outside the lock, matching spec 4.7's lock-ordering requirement.
func (s *Service) runDueJobs(ctx context.Context) {
	now := s.nowMs()
	for _, job := range s.store.List() {
		if !job.Enabled || job.State.NextRunAtMs == 0 || job.State.NextRunAtMs > now {
			continue
		}
		ok, err := s.store.TryMarkRunning(job.ID, now)
		if err != nil {
			slog.Error("cron: mark running failed", "job", job.ID, "error", err)
			continue
		}
		if !ok {
			continue // already running: singleton-execution invariant
		}
		go s.execute(ctx, job)
	}
}

// Run executes job immediately. mode "force" ignores enabled/nextRunAtMs;
// "if-due" only runs if currently due and not already running.
func (s *Service) Run(ctx context.Context, id string, force bool) error {
	job, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("cron: job %s not found", id)
	}
	if !force && (job.State.NextRunAtMs == 0 || job.State.NextRunAtMs > s.nowMs()) {
		return fmt.Errorf("cron: job %s not due", id)
	}
	okRun, err := s.store.TryMarkRunning(id, s.nowMs())
	if err != nil {
		return err
	}
	if !okRun {
		return fmt.Errorf("cron: job %s already running", id)
	}
	s.execute(ctx, job)
	return nil
}

func (s *Service) execute(ctx context.Context, job store.CronJob) {
	start := time.Now()
	s.runLog.Append(RunLogEntry{Ts: start.UnixMilli(), JobID: job.ID, Action: "started"})

	sessionKey := s.sessionKeyFor(job)

	summary, err := s.runWithRetry(ctx, sessionKey, job)

	status := "ok"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
		slog.Error("cron: job failed", "job", job.ID, "error", err)
	}

	next := s.computeNextRun(job)
	if mErr := s.store.MarkFinished(job.ID, status, errMsg, next); mErr != nil {
		slog.Error("cron: mark finished failed", "job", job.ID, "error", mErr)
	}

	s.runLog.Append(RunLogEntry{
		Ts: time.Now().UnixMilli(), JobID: job.ID, Action: "finished", Status: status,
		DurationMs: time.Since(start).Milliseconds(), SessionKey: sessionKey, Summary: summary, Error: errMsg,
	})

	if s.deliver != nil && job.Delivery.Mode != "" && job.Delivery.Mode != "none" {
		s.deliver(job, summary, err)
	}

	if job.DeleteAfterRun && status == "ok" {
		if dErr := s.store.Delete(job.ID); dErr != nil {
			slog.Error("cron: delete-after-run failed", "job", job.ID, "error", dErr)
		}
	}
}

func (s *Service) runWithRetry(ctx context.Context, sessionKey string, job store.CronJob) (string, error) {
	if job.Payload.Kind == "systemEvent" {
		if s.enqueueSys != nil {
			s.enqueueSys(sessionKey, job.Payload.EventName)
		}
		return "", nil
	}

	op := func() (string, error) {
		if s.runAgentJob == nil {
			return "", fmt.Errorf("no agent job runner configured")
		}
		return s.runAgentJob(ctx, sessionKey, job.Payload)
	}

	bo := backoff.NewExponentialBackOff()
	if s.retryCfg.BaseDelay > 0 {
		bo.InitialInterval = s.retryCfg.BaseDelay
	}
	if s.retryCfg.MaxDelay > 0 {
		bo.MaxInterval = s.retryCfg.MaxDelay
	}

	return backoff.Retry(ctx, op,
		backoff.WithMaxTries(uint(maxInt(1, s.retryCfg.MaxRetries+1))),
		backoff.WithBackOff(bo),
	)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// sessionKeyFor builds the execution session key: isolated runs append a
// unique ":run:<uuid>" suffix so each run gets a fresh session; all other
// jobs use the fixed key "agent:<agentId>:cron:<jobId>".
func (s *Service) sessionKeyFor(job store.CronJob) string {
	base := fmt.Sprintf("agent:%s:cron:%s", agentIDOf(job), job.ID)
	if job.SessionTarget == "isolated" {
		return fmt.Sprintf("%s:run:%s", base, uuid.New().String())
	}
	return base
}

// agentIDOf extracts an agent id embedded in the job id (jobs are
// namespaced "<agentId>/<name>"); falls back to "default".
func agentIDOf(job store.CronJob) string {
	if idx := strings.Index(job.ID, "/"); idx > 0 {
		return job.ID[:idx]
	}
	return "default"
}

// computeNextRun advances nextRunAtMs for one job without executing it;
// used both by the maintenance pass and after a run completes.
func (s *Service) computeNextRun(job store.CronJob) int64 {
	now := time.Now()
	switch job.Schedule.Kind {
	case "at":
		if job.Schedule.At > now.UnixMilli() {
			return job.Schedule.At
		}
		return 0 // past due one-shot: no next run
	case "cron":
		loc := time.Local
		if job.Schedule.TZ != "" {
			if l, err := time.LoadLocation(job.Schedule.TZ); err == nil {
				loc = l
			}
		}
		next, err := gronx.NextTickAfter(job.Schedule.Expr, now.In(loc), false)
		if err != nil {
			slog.Warn("cron: invalid expression", "job", job.ID, "expr", job.Schedule.Expr, "error", err)
			return 0
		}
		return next.UnixMilli()
	default:
		return 0
	}
}

// List returns the current jobs, safe to call while a job is running
// (read-only, no lock held during execution).
func (s *Service) List(includeDisabled bool) []store.CronJob {
	jobs := s.store.List()
	if includeDisabled {
		return jobs
	}
	out := make([]store.CronJob, 0, len(jobs))
	for _, j := range jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out
}

// Status returns one job's current state.
func (s *Service) Status(id string) (store.CronJob, bool) {
	return s.store.Get(id)
}

// Add creates a new job, computing its initial nextRunAtMs.
func (s *Service) Add(job store.CronJob) error {
	job.State.NextRunAtMs = s.computeNextRun(job)
	return s.store.Add(job)
}

// Update applies patch to an existing job and recomputes nextRunAtMs if
// the schedule changed.
func (s *Service) Update(id string, patch func(*store.CronJob)) error {
	return s.store.Update(id, func(j *store.CronJob) error {
		before := j.Schedule
		patch(j)
		if j.Schedule != before {
			j.State.NextRunAtMs = s.computeNextRun(*j)
		}
		return nil
	})
}

// SetDeliverFunc wires the callback used to route a finished job's result
// per its Delivery config. Optional; jobs with Delivery.Mode == "none" never
// invoke it.
func (s *Service) SetDeliverFunc(fn DeliverFunc) { s.deliver = fn }

func (s *Service) Remove(id string) error { return s.store.Delete(id) }

func (s *Service) SetEnabled(id string, enabled bool) error {
	return s.store.Update(id, func(j *store.CronJob) error {
		j.Enabled = enabled
		if enabled {
			j.State.NextRunAtMs = s.computeNextRun(*j)
		}
		return nil
	})
}
