// Package queue holds planned executions waiting for a worker.
package queue

import (
	"sort"
	"sync"
	"time"

	"qcron/internal/job"
)

type item struct {
	p   job.Planned
	seq uint64
}

// Queue is an in-memory, time-ordered set of planned jobs. It is safe for
// concurrent use; all accessors return copies.
type Queue struct {
	mu    sync.Mutex
	items []item // sorted by (At, seq)
	seq   uint64
	ready chan struct{}
}

func New() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Add inserts p keeping due-time order; equal due times keep insertion order.
func (q *Queue) Add(p job.Planned) {
	p.Job = p.Job.Clone()
	q.mu.Lock()
	q.seq++
	it := item{p: p, seq: q.seq}
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].p.At.After(p.At)
	})
	q.items = append(q.items, item{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = it
	q.mu.Unlock()
	q.Wake()
}

// Cancel removes every entry matching p (same job, same instant) and returns
// how many were removed.
func (q *Queue) Cancel(p job.Planned) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	n := 0
	for _, it := range q.items {
		if it.p.Same(p) {
			n++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = item{}
	}
	q.items = kept
	return n
}

// List returns a snapshot in due-time order, optionally restricted to one
// job id.
func (q *Queue) List(jobID *int64) []job.Planned {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]job.Planned, 0, len(q.items))
	for _, it := range q.items {
		if jobID != nil && it.p.Job.ID != *jobID {
			continue
		}
		p := it.p
		p.Job = p.Job.Clone()
		out = append(out, p)
	}
	return out
}

// TakeNext removes and returns the earliest entry due at or before now.
func (q *Queue) TakeNext(now time.Time) (job.Planned, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0].p.At.After(now) {
		return job.Planned{}, false
	}
	p := q.items[0].p
	q.items[0] = item{}
	q.items = q.items[1:]
	return p, true
}

// NextDue returns the due time of the head entry.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].p.At, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake signals Ready without adding anything.
func (q *Queue) Wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled (coalesced) whenever an entry is added.
func (q *Queue) Ready() <-chan struct{} { return q.ready }
