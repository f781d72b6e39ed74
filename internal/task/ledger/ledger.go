// Package ledger records every execution attempt in a bounded, in-memory
// history keyed by a monotonic run id.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"qcron/internal/job"
)

type State string

const (
	StateQueued      State = "queued"
	StateRunning     State = "running"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateFailedFinal State = "failed_final"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether s is final for its run. A plain Failed attempt
// is terminal for the run even though a retry may follow as a new run.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateFailedFinal, StateCancelled:
		return true
	}
	return false
}

const DefaultCapacity = 200

var (
	ErrUnknownRun      = errors.New("unknown run")
	ErrAlreadyFinished = errors.New("run already finished")
)

// Run is one execution attempt.
type Run struct {
	ID       int64               `json:"id"`
	Planned  job.Planned         `json:"planned"`
	State    State               `json:"state"`
	Attempt  int                 `json:"attempt"`
	Queued   time.Time           `json:"queued"`
	Started  time.Time           `json:"started,omitempty"`
	Finished time.Time           `json:"finished,omitempty"`
	Rows     []map[string]string `json:"rows,omitempty"`
	Error    string              `json:"error,omitempty"`
	Host     string              `json:"host"`
}

func (r Run) JobID() int64 { return r.Planned.Job.ID }

func (r Run) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

func (r Run) clone() Run {
	out := r
	out.Planned.Job = r.Planned.Job.Clone()
	if r.Rows != nil {
		out.Rows = make([]map[string]string, len(r.Rows))
		for i, row := range r.Rows {
			m := make(map[string]string, len(row))
			for k, v := range row {
				m[k] = v
			}
			out.Rows[i] = m
		}
	}
	return out
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	cap    int
	host   string
	nextID int64
	order  []int64 // ascending
	runs   map[int64]*Run
}

func New(capacity int, host string) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{cap: capacity, host: host, runs: make(map[int64]*Run)}
}

// Open records p as Queued and returns the new run.
func (l *Ledger) Open(p job.Planned, now time.Time) Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	r := &Run{
		ID:      l.nextID,
		Planned: job.Planned{Job: p.Job.Clone(), At: p.At, Attempt: p.Attempt},
		State:   StateQueued,
		Attempt: p.Attempt,
		Queued:  now,
		Host:    l.host,
	}
	l.runs[r.ID] = r
	l.order = append(l.order, r.ID)
	l.evictLocked()
	return r.clone()
}

// Start moves a Queued run to Running.
func (l *Ledger) Start(id int64, now time.Time) (Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %d", ErrUnknownRun, id)
	}
	if r.State != StateQueued {
		return r.clone(), fmt.Errorf("run %d: cannot start from %s", id, r.State)
	}
	r.State = StateRunning
	r.Started = now
	return r.clone(), nil
}

// Finish writes the terminal state of a run. It fails if the run is already
// terminal.
func (l *Ledger) Finish(id int64, st State, now time.Time, rows []map[string]string, errMsg string) (Run, error) {
	if !st.Terminal() {
		return Run{}, fmt.Errorf("run %d: %s is not a terminal state", id, st)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %d", ErrUnknownRun, id)
	}
	if r.State.Terminal() {
		return r.clone(), fmt.Errorf("%w: %d is %s", ErrAlreadyFinished, id, r.State)
	}
	r.State = st
	r.Finished = now
	r.Rows = rows
	r.Error = errMsg
	return r.clone(), nil
}

func (l *Ledger) Get(id int64) (Run, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[id]
	if !ok {
		return Run{}, false
	}
	return r.clone(), true
}

// List returns runs in ascending id order. With a job id the history is
// filtered first; limit keeps the most recent matches (<= 0 means capacity).
func (l *Ledger) List(jobID *int64, limit int) []Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > l.cap {
		limit = l.cap
	}
	var out []Run
	for i := len(l.order) - 1; i >= 0 && len(out) < limit; i-- {
		r := l.runs[l.order[i]]
		if jobID != nil && r.JobID() != *jobID {
			continue
		}
		out = append(out, r.clone())
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// InState returns the runs currently in st, ascending by id.
func (l *Ledger) InState(st State) []Run {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Run
	for _, id := range l.order {
		if r := l.runs[id]; r.State == st {
			out = append(out, r.clone())
		}
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *Ledger) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cap
}

// Resize changes the capacity, evicting the oldest runs if needed.
func (l *Ledger) Resize(capacity int) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l.mu.Lock()
	l.cap = capacity
	l.evictLocked()
	l.mu.Unlock()
}

func (l *Ledger) evictLocked() {
	over := len(l.order) - l.cap
	if over <= 0 {
		return
	}
	for _, id := range l.order[:over] {
		delete(l.runs, id)
	}
	l.order = append(l.order[:0:0], l.order[over:]...)
}
