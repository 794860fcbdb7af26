package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// cronFileVersion is the current on-disk CronStore schema version.
const cronFileVersion = 1

type cronFile struct {
	Version int              `json:"version"`
	Jobs    []store.CronJob `json:"jobs"`
}

// FileCronStore is a JSON-file-backed store.CronStore, guarded by a
// single in-process mutex and persisted with the same atomic
// create-temp/write/sync/rename pattern as the session store.
type FileCronStore struct {
	path string
	mu   sync.Mutex
	jobs map[string]store.CronJob
}

// NewFileCronStore loads (or initializes) the cron store at path.
func NewFileCronStore(path string) (*FileCronStore, error) {
	s := &FileCronStore{path: path, jobs: make(map[string]store.CronJob)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileCronStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cron store: %w", err)
	}

	var f cronFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse cron store: %w", err)
	}
	for _, j := range migrateJob(f) {
		s.jobs[j.ID] = j
	}
	return nil
}

// migrateJob fills defaults for jobs stored without them: an empty
// Payload.Kind becomes "agentTurn" and an empty Delivery.Mode becomes
// "none". Legacy top-level agentTurn fields are not read, so they are not
// moved under payload/delivery.
func migrateJob(f cronFile) []store.CronJob {
	jobs := f.Jobs
	for i := range jobs {
		if jobs[i].Payload.Kind == "" {
			jobs[i].Payload.Kind = "agentTurn"
		}
		if jobs[i].Delivery.Mode == "" {
			jobs[i].Delivery.Mode = "none"
		}
	}
	return jobs
}

// saveLocked persists the current job set atomically. Caller must hold s.mu.
func (s *FileCronStore) saveLocked() error {
	jobs := make([]store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	data, err := json.MarshalIndent(cronFile{Version: cronFileVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir cron store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cron-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cron store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cron store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync cron store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cron store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename cron store: %w", err)
	}
	return nil
}

func (s *FileCronStore) List() []store.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *FileCronStore) Get(id string) (store.CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *FileCronStore) Add(job store.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("cron: job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return s.saveLocked()
}

func (s *FileCronStore) Update(id string, mutate func(*store.CronJob) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron: job %s not found", id)
	}
	if err := mutate(&j); err != nil {
		return err
	}
	s.jobs[id] = j
	return s.saveLocked()
}

func (s *FileCronStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron: job %s not found", id)
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// TryMarkRunning enforces the per-job singleton-execution invariant:
// it fails (ok=false) rather than overwriting an already-running job.
func (s *FileCronStore) TryMarkRunning(id string, nowMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("cron: job %s not found", id)
	}
	if j.State.RunningAtMs != 0 {
		return false, nil
	}
	j.State.RunningAtMs = nowMs
	s.jobs[id] = j
	return true, s.saveLocked()
}

// MarkFinished clears RunningAtMs and advances NextRunAtMs — the only
// place nextRunAtMs changes outside the maintenance recompute pass.
func (s *FileCronStore) MarkFinished(id string, status, errMsg string, nextRunAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron: job %s not found", id)
	}
	j.State.RunningAtMs = 0
	j.State.LastStatus = status
	j.State.LastError = errMsg
	j.State.LastRunAtMs = time.Now().UnixMilli()
	j.State.NextRunAtMs = nextRunAtMs
	s.jobs[id] = j
	return s.saveLocked()
}

// RecomputeNextRun is maintenance-only: it fills a missing (zero)
// nextRunAtMs via compute, but never silently advances a job's schedule
// during a tick that didn't execute (the 48h-skip-bug guard).
func (s *FileCronStore) RecomputeNextRun(compute func(store.CronJob) int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for id, j := range s.jobs {
		if !j.Enabled {
			continue
		}
		if j.State.NextRunAtMs == 0 {
			j.State.NextRunAtMs = compute(j)
			s.jobs[id] = j
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}
