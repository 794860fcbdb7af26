package store

// CronSchedule is a job's trigger: either a cron expression (with an
// optional timezone) or a one-shot "at" timestamp.
type CronSchedule struct {
	Kind string `json:"kind"` // "cron" | "at"
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
	At   int64  `json:"at,omitempty"` // epoch ms, for kind=="at"
}

// CronPayload is the job's unit of work: either an agent turn or a bare
// system event notification.
type CronPayload struct {
	Kind string `json:"kind"` // "agentTurn" | "systemEvent"

	// agentTurn fields
	Message                   string `json:"message,omitempty"`
	Model                     string `json:"model,omitempty"`
	Thinking                  string `json:"thinking,omitempty"`
	TimeoutSeconds            int    `json:"timeoutSeconds,omitempty"`
	AllowUnsafeExternalContent bool  `json:"allowUnsafeExternalContent,omitempty"`

	// systemEvent fields
	EventName string `json:"eventName,omitempty"`
}

// CronDelivery controls how a job's result is announced, if at all.
type CronDelivery struct {
	Mode       string `json:"mode"` // "none" | "announce" | "direct"
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	BestEffort bool   `json:"bestEffort,omitempty"`
}

// CronState is the mutable runtime state of a job.
type CronState struct {
	NextRunAtMs int64  `json:"nextRunAtMs,omitempty"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"` // "ok" | "error" | "skipped"
	RunningAtMs int64  `json:"runningAtMs,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// CronJob is a scheduled job definition plus its runtime state.
type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	Schedule       CronSchedule `json:"schedule"`
	Payload        CronPayload  `json:"payload"`
	SessionTarget  string       `json:"sessionTarget"` // "main" | "isolated"
	WakeMode       string       `json:"wakeMode"`      // "next-heartbeat" | "immediate"
	Delivery       CronDelivery `json:"delivery"`
	DeleteAfterRun bool         `json:"deleteAfterRun"`
	State          CronState    `json:"state"`
}

// CronStore persists the set of cron jobs and mediates singleton
// execution (runningAtMs) and nextRunAtMs advancement.
type CronStore interface {
	List() []CronJob
	Get(id string) (CronJob, bool)
	Add(job CronJob) error
	Update(id string, mutate func(*CronJob) error) error
	Delete(id string) error
	// TryMarkRunning atomically sets state.runningAtMs if the job is not
	// already running, returning false if it is (enforces the per-job
	// singleton-execution invariant).
	TryMarkRunning(id string, nowMs int64) (ok bool, err error)
	// MarkFinished clears runningAtMs and records the outcome, advancing
	// nextRunAtMs. nextRunAtMs must only change here, never during a tick
	// that didn't execute.
	MarkFinished(id string, status, errMsg string, nextRunAtMs int64) error
	// RecomputeNextRun is a maintenance-only pass (no execution) that fills
	// nextRunAtMs for enabled jobs that have none. A past-due value is left
	// as is, guarding against the 48h-skip bug when the process was asleep
	// past several trigger times.
	RecomputeNextRun(compute func(CronJob) int64) error
}
