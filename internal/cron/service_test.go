package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

var errAlways = errors.New("simulated failure")

// fakeCronStore is a minimal in-memory store.CronStore for exercising the
// Service's scheduling logic without touching the file-backed store.
type fakeCronStore struct {
	mu   sync.Mutex
	jobs map[string]store.CronJob
}

func newFakeCronStore(jobs ...store.CronJob) *fakeCronStore {
	s := &fakeCronStore{jobs: map[string]store.CronJob{}}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeCronStore) List() []store.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *fakeCronStore) Get(id string) (store.CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *fakeCronStore) Add(job store.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeCronStore) Update(id string, mutate func(*store.CronJob) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if err := mutate(&j); err != nil {
		return err
	}
	s.jobs[id] = j
	return nil
}

func (s *fakeCronStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *fakeCronStore) TryMarkRunning(id string, nowMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if j.State.RunningAtMs != 0 {
		return false, nil
	}
	j.State.RunningAtMs = nowMs
	s.jobs[id] = j
	return true, nil
}

func (s *fakeCronStore) MarkFinished(id string, status, errMsg string, nextRunAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.State.RunningAtMs = 0
	j.State.LastStatus = status
	j.State.LastError = errMsg
	j.State.NextRunAtMs = nextRunAtMs
	s.jobs[id] = j
	return nil
}

func (s *fakeCronStore) RecomputeNextRun(compute func(store.CronJob) int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if !j.Enabled || j.State.NextRunAtMs != 0 {
			continue
		}
		j.State.NextRunAtMs = compute(j)
		s.jobs[id] = j
	}
	return nil
}

func newTestService(t *testing.T, st store.CronStore, runAgentJob AgentJobFunc) *Service {
	t.Helper()
	return NewService(st, NewRunLog(t.TempDir()), DefaultRetryConfig(), runAgentJob, nil)
}

func TestRunDueJobFiresExactlyOnce(t *testing.T) {
	job := store.CronJob{
		ID:      "default/greet",
		Enabled: true,
		Schedule: store.CronSchedule{Kind: "at", At: time.Now().Add(-time.Minute).UnixMilli()},
		Payload:  store.CronPayload{Kind: "agentTurn", Message: "hello"},
		State:    store.CronState{NextRunAtMs: time.Now().Add(-time.Minute).UnixMilli()},
	}
	st := newFakeCronStore(job)

	var calls int32
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	svc := newTestService(t, st, func(ctx context.Context, sessionKey string, payload store.CronPayload) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
		return "ok", nil
	})

	svc.runDueJobs(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not execute within timeout")
	}
	time.Sleep(20 * time.Millisecond) // let execute() finish MarkFinished

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}

	got, _ := st.Get("default/greet")
	if got.State.RunningAtMs != 0 {
		t.Fatalf("expected runningAtMs cleared after finish, got %d", got.State.RunningAtMs)
	}
	if got.State.LastStatus != "ok" {
		t.Fatalf("expected lastStatus ok, got %q", got.State.LastStatus)
	}
}

func TestRunDueJobsSkipsAlreadyRunningJob(t *testing.T) {
	job := store.CronJob{
		ID:       "default/busy",
		Enabled:  true,
		Schedule: store.CronSchedule{Kind: "at", At: time.Now().Add(-time.Minute).UnixMilli()},
		Payload:  store.CronPayload{Kind: "agentTurn"},
		State: store.CronState{
			NextRunAtMs: time.Now().Add(-time.Minute).UnixMilli(),
			RunningAtMs: time.Now().UnixMilli(), // already running
		},
	}
	st := newFakeCronStore(job)

	var calls int32
	svc := newTestService(t, st, func(ctx context.Context, sessionKey string, payload store.CronPayload) (string, error) {
		calls++
		return "ok", nil
	})

	svc.runDueJobs(context.Background())
	time.Sleep(30 * time.Millisecond)

	if calls != 0 {
		t.Fatalf("expected the already-running job to be skipped, but runAgentJob was called %d time(s)", calls)
	}
}

func TestRunDueJobsSkipsDisabledAndNotYetDue(t *testing.T) {
	future := store.CronJob{
		ID:       "default/future",
		Enabled:  true,
		Schedule: store.CronSchedule{Kind: "at", At: time.Now().Add(time.Hour).UnixMilli()},
		Payload:  store.CronPayload{Kind: "agentTurn"},
		State:    store.CronState{NextRunAtMs: time.Now().Add(time.Hour).UnixMilli()},
	}
	disabled := store.CronJob{
		ID:       "default/disabled",
		Enabled:  false,
		Schedule: store.CronSchedule{Kind: "at", At: time.Now().Add(-time.Minute).UnixMilli()},
		Payload:  store.CronPayload{Kind: "agentTurn"},
		State:    store.CronState{NextRunAtMs: time.Now().Add(-time.Minute).UnixMilli()},
	}
	st := newFakeCronStore(future, disabled)

	var calls int32
	svc := newTestService(t, st, func(ctx context.Context, sessionKey string, payload store.CronPayload) (string, error) {
		calls++
		return "ok", nil
	})

	svc.runDueJobs(context.Background())
	time.Sleep(30 * time.Millisecond)

	if calls != 0 {
		t.Fatalf("expected neither job to run, got %d calls", calls)
	}
}

func TestRunMarksJobRunningAndFinishedOnError(t *testing.T) {
	job := store.CronJob{
		ID:       "default/fails",
		Enabled:  true,
		Schedule: store.CronSchedule{Kind: "at", At: time.Now().Add(-time.Minute).UnixMilli()},
		Payload:  store.CronPayload{Kind: "agentTurn"},
		State:    store.CronState{NextRunAtMs: time.Now().Add(-time.Minute).UnixMilli()},
	}
	st := newFakeCronStore(job)

	svc := newTestService(t, st, func(ctx context.Context, sessionKey string, payload store.CronPayload) (string, error) {
		return "", errAlways
	})
	// Keep retries fast for the test.
	svc.retryCfg = RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	if err := svc.Run(context.Background(), "default/fails", false); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got, _ := st.Get("default/fails")
	if got.State.RunningAtMs != 0 {
		t.Fatalf("expected runningAtMs cleared after a failed run, got %d", got.State.RunningAtMs)
	}
	if got.State.LastStatus != "error" {
		t.Fatalf("expected lastStatus error, got %q", got.State.LastStatus)
	}
}

func TestRunRejectsConcurrentExecution(t *testing.T) {
	job := store.CronJob{
		ID:       "default/concurrent",
		Enabled:  true,
		Schedule: store.CronSchedule{Kind: "at", At: time.Now().Add(-time.Minute).UnixMilli()},
		Payload:  store.CronPayload{Kind: "agentTurn"},
		State: store.CronState{
			NextRunAtMs: time.Now().Add(-time.Minute).UnixMilli(),
			RunningAtMs: time.Now().UnixMilli(),
		},
	}
	st := newFakeCronStore(job)
	svc := newTestService(t, st, func(ctx context.Context, sessionKey string, payload store.CronPayload) (string, error) {
		return "ok", nil
	})

	if err := svc.Run(context.Background(), "default/concurrent", false); err == nil {
		t.Fatal("expected Run to reject a job already marked running")
	}
}

func TestSystemEventJobBypassesAgentRunner(t *testing.T) {
	job := store.CronJob{
		ID:       "default/notify",
		Enabled:  true,
		Schedule: store.CronSchedule{Kind: "at", At: time.Now().Add(-time.Minute).UnixMilli()},
		Payload:  store.CronPayload{Kind: "systemEvent", EventName: "heartbeat"},
		State:    store.CronState{NextRunAtMs: time.Now().Add(-time.Minute).UnixMilli()},
	}
	st := newFakeCronStore(job)

	var agentCalls int32
	var sysKey, sysEvent string
	svc := NewService(st, NewRunLog(t.TempDir()), DefaultRetryConfig(),
		func(ctx context.Context, sessionKey string, payload store.CronPayload) (string, error) {
			agentCalls++
			return "", nil
		},
		func(sessionKey, eventName string) {
			sysKey, sysEvent = sessionKey, eventName
		},
	)

	if err := svc.Run(context.Background(), "default/notify", false); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if agentCalls != 0 {
		t.Fatalf("systemEvent payload must not invoke the agent job runner, got %d calls", agentCalls)
	}
	if sysEvent != "heartbeat" {
		t.Fatalf("expected the system event hook to fire with eventName=heartbeat, got %q", sysEvent)
	}
	if sysKey == "" {
		t.Fatal("expected a non-empty session key passed to the system event hook")
	}
}
