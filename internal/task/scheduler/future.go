package scheduler

import (
	"container/heap"
	"context"
	"time"

	"qcron/internal/job"
	"qcron/internal/task/cronspec"
)

const DefaultFutureLimit = 10

type cursor struct {
	def   job.Definition
	sched cronspec.Schedule
	next  time.Time
}

// cursorHeap orders cursors by next time, then by job name.
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	if !h[i].next.Equal(h[j].next) {
		return h[i].next.Before(h[j].next)
	}
	if h[i].def.Name != h[j].def.Name {
		return h[i].def.Name < h[j].def.Name
	}
	return h[i].def.ID < h[j].def.ID
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// Future projects the next limit run times after now, interleaved across
// jobs in time order. With a job id only that job is projected; an unknown
// id yields a *job.NotFoundError. Disabled jobs and invalid schedules are
// left out.
func (s *Service) Future(ctx context.Context, jobID *int64, limit int, now time.Time) ([]job.FutureRun, error) {
	if limit <= 0 {
		limit = DefaultFutureLimit
	}
	var defs []job.Definition
	if jobID != nil {
		d, err := s.jobs.GetByID(ctx, *jobID)
		if err != nil {
			return nil, err
		}
		defs = []job.Definition{d}
	} else {
		all, err := s.jobs.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		defs = all
	}

	from := now.In(s.Location())
	h := make(cursorHeap, 0, len(defs))
	for _, d := range defs {
		if d.Disabled {
			continue
		}
		sched, err := cronspec.Parse(d.Cron)
		if err != nil {
			continue
		}
		next, err := sched.Next(from)
		if err != nil {
			continue
		}
		h = append(h, &cursor{def: d, sched: sched, next: next})
	}
	heap.Init(&h)

	out := make([]job.FutureRun, 0, limit)
	for len(out) < limit && h.Len() > 0 {
		c := h[0]
		out = append(out, job.FutureRun{Name: c.def.Name, JobID: c.def.ID, At: c.next})
		next, err := c.sched.Next(c.next)
		if err != nil {
			heap.Pop(&h)
			continue
		}
		c.next = next
		heap.Fix(&h, 0)
	}
	return out, nil
}
