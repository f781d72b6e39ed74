package engine

import (
	"context"
	"time"

	"qcron/internal/job"
	"qcron/internal/task/ledger"

	rtsup "qcron/internal/runtime/supervisor"
)

// Config controls the worker pool. The app layer maps config.engine into it.
type Config struct {
	Enabled bool
	// Workers is both the number of worker goroutines and the global bound
	// on concurrent executions.
	Workers int

	// MaxReruns is the total number of attempts per planned job
	// (values <= 0 mean a single attempt).
	MaxReruns int
	// RetryBackoff is the delay before the second attempt, doubled for each
	// further attempt. 0 re-enqueues failed attempts immediately.
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// DefaultTimeout bounds one execution; 0 means no deadline.
	DefaultTimeout time.Duration

	HistorySize int

	// PollInterval bounds how long an idle worker sleeps before checking
	// the queue again.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxReruns <= 0 {
		c.MaxReruns = 1
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = ledger.DefaultCapacity
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Outcome is what an Executor reports for one attempt.
type Outcome struct {
	Status ledger.State // Succeeded, Failed or Cancelled
	Rows   []map[string]string
	Err    error
}

// Executor runs one attempt of a definition.
type Executor interface {
	Execute(ctx context.Context, run ledger.Run, def job.Definition) Outcome
}

// Notifier is told about every terminal run exactly once.
type Notifier interface {
	Notify(ctx context.Context, run ledger.Run, def job.Definition) error
}

// RunEvent is published on the event bus for run lifecycle transitions.
type RunEvent struct {
	RunID    int64         `json:"run_id"`
	JobID    int64         `json:"job_id"`
	Name     string        `json:"name"`
	Attempt  int           `json:"attempt"`
	State    ledger.State  `json:"state"`
	Due      time.Time     `json:"due"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	// RetryAt is set on run.retry events.
	RetryAt time.Time `json:"retry_at,omitempty"`
}

const (
	EventStarted     = "run.started"
	EventSucceeded   = "run.succeeded"
	EventFailed      = "run.failed"
	EventRetry       = "run.retry"
	EventFailedFinal = "run.failed_final"
	EventCancelled   = "run.cancelled"
)

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled          bool
	Workers          int
	InFlight         int
	WaitingForPermit int
	QueueLen         int

	MaxReruns      int
	RetryBackoff   time.Duration
	DefaultTimeout time.Duration

	HistoryLen int
	HistoryCap int

	Succeeded   uint64
	Failed      uint64
	FailedFinal uint64
	Cancelled   uint64

	Goroutines []rtsup.Stats
}
