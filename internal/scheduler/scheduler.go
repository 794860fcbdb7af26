// Package scheduler implements the lane-based worker pool that the rest
// of the gateway schedules agent runs through: a per-lane bounded worker
// pool that serializes execution by SessionKey within a lane (never two
// concurrent runs for the same session) while distinct sessions may run
// in parallel up to the lane's MaxConcurrent.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
)

// Lane names, matching the glossary's "Lane" entry.
const (
	LaneMain     = "main"
	LaneCron     = "cron"
	LaneSubagent = "subagent"
	LaneDelegate = "delegate"
)

// LaneConfig configures one lane's worker pool.
type LaneConfig struct {
	Name           string
	MaxConcurrent  int
	QueueDepth     int
}

// DefaultLanes returns a sensible lane set: a generously concurrent main
// lane for live chat, and more conservative lanes for background work.
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Name: LaneMain, MaxConcurrent: 16, QueueDepth: 256},
		{Name: LaneCron, MaxConcurrent: 4, QueueDepth: 64},
		{Name: LaneSubagent, MaxConcurrent: 8, QueueDepth: 128},
		{Name: LaneDelegate, MaxConcurrent: 4, QueueDepth: 64},
	}
}

// QueueConfig bounds overall scheduler queueing behavior.
type QueueConfig struct {
	// DropOnFull, if true, rejects new work once a lane's queue is full
	// instead of blocking the caller.
	DropOnFull bool
}

// DefaultQueueConfig returns the default (blocking) queue behavior.
func DefaultQueueConfig() QueueConfig { return QueueConfig{DropOnFull: false} }

// RunFunc executes one agent run request and returns its result.
type RunFunc func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)

// Outcome is the result delivered on a Schedule channel.
type Outcome struct {
	Result *agent.RunResult
	Err    error
}

// ScheduleOpts overrides scheduling behavior for one call.
type ScheduleOpts struct {
	MaxConcurrent int // not applied: the lane's configured MaxConcurrent always governs
}

type laneState struct {
	cfg    LaneConfig
	work   chan workItem
	sem    chan struct{} // bounds MaxConcurrent
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool // sessionKey -> running, serializes per-session execution
	queued   map[string][]workItem
}

type workItem struct {
	ctx context.Context
	req agent.RunRequest
	out chan Outcome
}

// Scheduler routes agent runs through per-lane worker pools.
type Scheduler struct {
	run   RunFunc
	qcfg  QueueConfig
	lanes map[string]*laneState

	tokenEstimateFn func(sessionKey string) (tokens, contextWindow int)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewScheduler builds a Scheduler with one worker pool per lane.
func NewScheduler(lanes []LaneConfig, queueCfg QueueConfig, runFunc RunFunc) *Scheduler {
	s := &Scheduler{
		run:    runFunc,
		qcfg:   queueCfg,
		lanes:  make(map[string]*laneState),
		stopCh: make(chan struct{}),
	}
	for _, lc := range lanes {
		ls := &laneState{
			cfg:      lc,
			work:     make(chan workItem, lc.QueueDepth),
			sem:      make(chan struct{}, lc.MaxConcurrent),
			inFlight: make(map[string]bool),
			queued:   make(map[string][]workItem),
		}
		s.lanes[lc.Name] = ls
		go s.dispatchLoop(ls)
	}
	return s
}

// SetTokenEstimateFunc wires a per-session token estimator, consulted by
// callers (e.g. the Agent Runner) that want to pre-flight context-window
// pressure before scheduling a run. Stored, not invoked internally.
func (s *Scheduler) SetTokenEstimateFunc(fn func(sessionKey string) (int, int)) {
	s.tokenEstimateFn = fn
}

// TokenEstimate reports the last-known token usage for sessionKey, if an
// estimator has been configured.
func (s *Scheduler) TokenEstimate(sessionKey string) (tokens, contextWindow int, ok bool) {
	if s.tokenEstimateFn == nil {
		return 0, 0, false
	}
	t, cw := s.tokenEstimateFn(sessionKey)
	return t, cw, true
}

// Schedule enqueues req onto lane's pool and returns a channel that
// receives exactly one Outcome.
func (s *Scheduler) Schedule(ctx context.Context, lane string, req agent.RunRequest) <-chan Outcome {
	return s.ScheduleWithOpts(ctx, lane, req, ScheduleOpts{})
}

// ScheduleWithOpts behaves exactly like Schedule; opts is accepted but not
// applied, so concurrency is bounded by the lane's MaxConcurrent.
func (s *Scheduler) ScheduleWithOpts(ctx context.Context, lane string, req agent.RunRequest, opts ScheduleOpts) <-chan Outcome {
	out := make(chan Outcome, 1)

	ls, ok := s.lanes[lane]
	if !ok {
		out <- Outcome{Err: fmt.Errorf("scheduler: unknown lane %q", lane)}
		close(out)
		return out
	}

	item := workItem{ctx: ctx, req: req, out: out}

	select {
	case ls.work <- item:
	default:
		if s.qcfg.DropOnFull {
			out <- Outcome{Err: fmt.Errorf("scheduler: lane %q queue full", lane)}
			close(out)
			return out
		}
		// Blocking path: caller accepts backpressure.
		go func() {
			select {
			case ls.work <- item:
			case <-s.stopCh:
				out <- Outcome{Err: fmt.Errorf("scheduler: stopped")}
				close(out)
			}
		}()
	}
	return out
}

// dispatchLoop pulls work off a lane's queue and, for each SessionKey,
// ensures only one run is in flight at a time: items for a busy session
// are parked in ls.queued and released when the running item finishes.
func (s *Scheduler) dispatchLoop(ls *laneState) {
	for {
		select {
		case <-s.stopCh:
			return
		case item := <-ls.work:
			s.admit(ls, item)
		}
	}
}

func (s *Scheduler) admit(ls *laneState, item workItem) {
	key := item.req.SessionKey

	ls.mu.Lock()
	if ls.inFlight[key] {
		ls.queued[key] = append(ls.queued[key], item)
		ls.mu.Unlock()
		return
	}
	ls.inFlight[key] = true
	ls.mu.Unlock()

	ls.sem <- struct{}{}
	ls.wg.Add(1)
	go func() {
		defer ls.wg.Done()
		defer func() { <-ls.sem }()
		s.runOne(ls, item)
	}()
}

func (s *Scheduler) runOne(ls *laneState, item workItem) {
	for {
		item.out <- result(s, item)
		close(item.out)

		ls.mu.Lock()
		delete(ls.inFlight, item.req.SessionKey)
		next, hasNext := popQueued(ls, item.req.SessionKey)
		ls.mu.Unlock()

		if !hasNext {
			return
		}
		item = next
	}
}

func result(s *Scheduler, item workItem) Outcome {
	res, err := s.run(item.ctx, item.req)
	if err != nil {
		slog.Warn("scheduler: run failed", "session", item.req.SessionKey, "error", err)
	}
	return Outcome{Result: res, Err: err}
}

func popQueued(ls *laneState, key string) (workItem, bool) {
	q := ls.queued[key]
	if len(q) == 0 {
		return workItem{}, false
	}
	next := q[0]
	if len(q) == 1 {
		delete(ls.queued, key)
	} else {
		ls.queued[key] = q[1:]
	}
	ls.inFlight[key] = true
	return next, true
}

// CancelSession cancels every queued (not yet started) run for sessionKey
// across all lanes, returning true if anything was canceled. A run that is
// already in flight is not interrupted.
func (s *Scheduler) CancelSession(sessionKey string) bool {
	canceled := false
	for _, ls := range s.lanes {
		if s.cancelSessionInLane(ls, sessionKey) {
			canceled = true
		}
	}
	return canceled
}

// CancelOneSession cancels sessionKey in a single, unspecified lane (the
// first lane where it is found), for callers that don't track which lane
// a session was scheduled on.
func (s *Scheduler) CancelOneSession(sessionKey string) bool {
	for _, ls := range s.lanes {
		if s.cancelSessionInLane(ls, sessionKey) {
			return true
		}
	}
	return false
}

func (s *Scheduler) cancelSessionInLane(ls *laneState, sessionKey string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	q, ok := ls.queued[sessionKey]
	if !ok || len(q) == 0 {
		return false
	}
	for _, item := range q {
		item.out <- Outcome{Err: fmt.Errorf("scheduler: canceled")}
		close(item.out)
	}
	delete(ls.queued, sessionKey)
	return true
}

// Stop halts dispatch loops. In-flight runs are not interrupted; callers
// should cancel their own contexts for that.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	for _, ls := range s.lanes {
		ls.wg.Wait()
	}
}
