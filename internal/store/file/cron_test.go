package file

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func newTestCronStore(t *testing.T) *FileCronStore {
	t.Helper()
	s, err := NewFileCronStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("NewFileCronStore: %v", err)
	}
	return s
}

// TestRecomputeNextRunDoesNotOverwritePastDue guards against the 48h-skip
// bug: a maintenance pass run after the process was down must not push a
// job's nextRunAtMs into the future when it is already past due — doing so
// would silently skip the job's next scheduled run.
func TestRecomputeNextRunDoesNotOverwritePastDue(t *testing.T) {
	s := newTestCronStore(t)

	pastDue := time.Now().Add(-48 * time.Hour).UnixMilli()
	job := store.CronJob{
		ID:      "agent/daily-report",
		Enabled: true,
		Schedule: store.CronSchedule{Kind: "cron", Expr: "0 9 * * *"},
		Payload: store.CronPayload{Kind: "systemEvent", EventName: "daily"},
		State:   store.CronState{NextRunAtMs: pastDue},
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	future := time.Now().Add(24 * time.Hour).UnixMilli()
	compute := func(store.CronJob) int64 { return future }

	if err := s.RecomputeNextRun(compute); err != nil {
		t.Fatalf("RecomputeNextRun: %v", err)
	}

	got, ok := s.Get(job.ID)
	if !ok {
		t.Fatalf("job vanished")
	}
	if got.State.NextRunAtMs != pastDue {
		t.Fatalf("RecomputeNextRun overwrote a past-due nextRunAtMs: got %d, want unchanged %d", got.State.NextRunAtMs, pastDue)
	}
}

// TestRecomputeNextRunFillsMissing covers the companion case: a job that
// has never run (nextRunAtMs == 0) does get an initial value computed.
func TestRecomputeNextRunFillsMissing(t *testing.T) {
	s := newTestCronStore(t)

	job := store.CronJob{
		ID:      "agent/fresh-job",
		Enabled: true,
		Schedule: store.CronSchedule{Kind: "cron", Expr: "0 9 * * *"},
		Payload: store.CronPayload{Kind: "systemEvent", EventName: "daily"},
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	want := time.Now().Add(time.Hour).UnixMilli()
	if err := s.RecomputeNextRun(func(store.CronJob) int64 { return want }); err != nil {
		t.Fatalf("RecomputeNextRun: %v", err)
	}

	got, _ := s.Get(job.ID)
	if got.State.NextRunAtMs != want {
		t.Fatalf("expected missing nextRunAtMs to be filled to %d, got %d", want, got.State.NextRunAtMs)
	}
}

func TestTryMarkRunningIsSingleton(t *testing.T) {
	s := newTestCronStore(t)
	job := store.CronJob{ID: "agent/x", Enabled: true}
	if err := s.Add(job); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ok, err := s.TryMarkRunning(job.ID, time.Now().UnixMilli())
	if err != nil || !ok {
		t.Fatalf("expected first TryMarkRunning to succeed, got ok=%v err=%v", ok, err)
	}

	ok2, err := s.TryMarkRunning(job.ID, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok2 {
		t.Fatalf("expected second TryMarkRunning to fail while job is already running")
	}
}
