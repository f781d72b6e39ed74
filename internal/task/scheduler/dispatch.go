package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"qcron/internal/eventbus"
	"qcron/internal/job"
	"qcron/internal/task/cronspec"
	logx "qcron/pkg/logx"
)

// TickResult summarizes one Tick.
type TickResult struct {
	Jobs       int
	Dispatched []job.Planned
	Skipped    int // due times dropped by MaxCatchUp
	Invalid    int
}

// Tick dispatches every due time up to now. Calls are serialized.
func (s *Service) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	prev := s.lastTick
	s.mu.Unlock()

	now = now.In(loc)
	if prev.IsZero() {
		prev = now.Add(-cfg.Tick)
	}

	defs, err := s.jobs.GetAll(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("load jobs: %w", err)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })

	var res TickResult
	seen := make(map[int64]bool, len(defs))
	for _, def := range defs {
		if def.Disabled {
			continue
		}
		seen[def.ID] = true
		res.Jobs++
		if err := ctx.Err(); err != nil {
			return res, err
		}
		s.dispatchOne(ctx, def, now, prev, cfg.MaxCatchUp, &res)
	}

	s.mu.Lock()
	s.lastTick = now
	for id := range s.state {
		if !seen[id] {
			delete(s.state, id)
		}
	}
	s.mu.Unlock()

	if len(res.Dispatched) > 0 || res.Skipped > 0 {
		s.log.Debug("dispatch.tick", logx.Int("jobs", res.Jobs), logx.Int("dispatched", len(res.Dispatched)), logx.Int("skipped", res.Skipped))
	}
	s.publish(EventTick, TickEvent{At: now, Jobs: res.Jobs, Dispatched: len(res.Dispatched), Skipped: res.Skipped})
	return res, nil
}

func (s *Service) dispatchOne(ctx context.Context, def job.Definition, now, prev time.Time, maxCatchUp int, res *TickResult) {
	log := s.log.With(logx.String("job", def.Name), logx.Int64("job_id", def.ID))
	st := &jobState{name: def.Name, cron: def.Cron, version: def.Version}
	defer s.setState(def.ID, st)

	sched, err := cronspec.Parse(def.Cron)
	if err != nil {
		res.Invalid++
		st.lastErr = err.Error()
		s.warnThrottled(fmt.Sprintf("invalid:%d", def.ID), "job has an invalid schedule; skipped", logx.String("job", def.Name), logx.Int64("job_id", def.ID), logx.Err(err))
		return
	}

	w, ok, err := s.marks.GetWatermark(ctx, def.ID)
	if err != nil {
		st.lastErr = err.Error()
		s.warnThrottled(fmt.Sprintf("mark:%d", def.ID), "read watermark failed", logx.String("job", def.Name), logx.Err(err))
		return
	}
	fresh := !ok
	moved := fresh
	if fresh {
		// A new job starts from the previous tick; it never back-fills history.
		w = prev
		if def.LastModified.After(w) {
			w = def.LastModified
		}
	} else if from := s.editFloor(def, prev); from.After(w) {
		w = from
		moved = true
	}
	w = w.In(now.Location())

	// Collect due times in (w, now], keeping only the latest maxCatchUp.
	var due []time.Time
	total := 0
	for t := w; ; {
		n, err := sched.Next(t)
		if err != nil || n.After(now) {
			break
		}
		total++
		due = append(due, n)
		if len(due) > maxCatchUp {
			due = due[1:]
		}
		t = n
	}
	if skipped := total - len(due); skipped > 0 {
		res.Skipped += skipped
		log.Warn("dispatch.catch_up_skipped", logx.Int("skipped", skipped), logx.Time("since", w))
		s.publish(EventSkipped, DispatchEvent{JobID: def.ID, Name: def.Name, Due: due[0]})
	}

	mark := w
	for _, at := range due {
		p := job.NewPlanned(def, at)
		if err := s.enq.Enqueue(p); err != nil {
			st.lastErr = err.Error()
			s.warnThrottled(fmt.Sprintf("enqueue:%d", def.ID), "dispatch enqueue failed", logx.String("job", def.Name), logx.Time("due", at), logx.Err(err))
			break
		}
		mark = at
		res.Dispatched = append(res.Dispatched, p)
		log.Debug("dispatch.enqueued", logx.Time("due", at))
		s.publish(EventDispatched, DispatchEvent{JobID: def.ID, Name: def.Name, Due: at})
	}

	if moved || !mark.Equal(w) {
		if err := s.marks.SetWatermark(ctx, def.ID, mark); err != nil {
			st.lastErr = err.Error()
			s.warnThrottled(fmt.Sprintf("mark:%d", def.ID), "write watermark failed", logx.String("job", def.Name), logx.Err(err))
		}
	}
	st.watermark = mark
	if next, err := sched.Next(maxTime(mark, now)); err == nil {
		st.next = next
	}
}

// editFloor is the earliest instant from which a changed definition may be
// dispatched. Due times before an edit belong to the previous version and
// are dropped, except those after the previous tick when that tick saw the
// immediately preceding version enabled with the same schedule.
func (s *Service) editFloor(def job.Definition, prev time.Time) time.Time {
	s.mu.Lock()
	seen, ok := s.state[def.ID]
	s.mu.Unlock()
	if ok && seen.version == def.Version-1 && seen.cron == def.Cron && prev.Before(def.LastModified) {
		return prev
	}
	return def.LastModified
}

func (s *Service) setState(id int64, st *jobState) {
	s.mu.Lock()
	s.state[id] = st
	s.mu.Unlock()
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
