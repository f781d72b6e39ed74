package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"qcron/internal/job"
	"qcron/internal/task/ledger"
	logx "qcron/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	// Per-worker RNG for retry jitter.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		atomic.AddInt32(&s.waitingForPermit, 1)
		ok := s.acquirePermit(ctx, stopCh)
		atomic.AddInt32(&s.waitingForPermit, -1)
		if !ok {
			return
		}

		p, ok := s.queue.TakeNext(time.Now())
		if !ok {
			s.releasePermit()
			if !s.waitForWork(ctx, stopCh) {
				return
			}
			continue
		}
		// More work may be due; let an idle worker pick it up.
		if due, ok := s.queue.NextDue(); ok && !due.After(time.Now()) {
			s.queue.Wake()
		}

		atomic.AddInt32(&s.inFlight, 1)
		s.execOne(ctx, p, rng)
		atomic.AddInt32(&s.inFlight, -1)
		s.releasePermit()
	}
}

func (s *Service) acquirePermit(ctx context.Context, stopCh <-chan struct{}) bool {
	for {
		select {
		case <-stopCh:
			return false
		default:
		}
		s.mu.Lock()
		permits := s.permits
		s.mu.Unlock()
		if permits == nil {
			return false
		}
		select {
		case <-permits:
		case <-ctx.Done():
			return false
		case <-stopCh:
			return false
		}
		s.mu.Lock()
		if permits == s.permits {
			s.held++
			s.mu.Unlock()
			return true
		}
		// A resize replaced the pool while we waited; its permits are void.
		s.mu.Unlock()
	}
}

func (s *Service) releasePermit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held > 0 {
		s.held--
	}
	if s.debt > 0 {
		s.debt--
		return
	}
	if s.permits == nil {
		return
	}
	select {
	case s.permits <- struct{}{}:
	default:
	}
}

// markStarted moves an opened run to Running. A run evicted by a tiny
// history before it started still executes and is reported from the copy.
func (s *Service) markStarted(opened ledger.Run, start time.Time, log logx.Logger) ledger.Run {
	run, err := s.ledger.Start(opened.ID, start)
	if err == nil {
		return run
	}
	log.Warn("run.start_record_failed", logx.Int64("run", opened.ID), logx.Err(err))
	run = opened
	run.State, run.Started = ledger.StateRunning, start
	return run
}

// waitForWork sleeps until the queue signals, the head entry becomes due or
// the poll interval elapses. It returns false on shutdown.
func (s *Service) waitForWork(ctx context.Context, stopCh <-chan struct{}) bool {
	s.mu.Lock()
	wait := s.cfg.PollInterval
	s.mu.Unlock()
	if due, ok := s.queue.NextDue(); ok {
		if until := time.Until(due); until < wait {
			wait = max(until, time.Millisecond)
		}
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-s.queue.Ready():
		return true
	case <-t.C:
		return true
	}
}

func (s *Service) execOne(ctx context.Context, p job.Planned, rng *rand.Rand) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	def := p.Job
	log := s.log.With(logx.String("job", def.Name), logx.Int64("job_id", def.ID), logx.Int("attempt", p.Attempt))

	start := time.Now()
	run := s.markStarted(s.ledger.Open(p, p.At), start, log)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	execCtx := runCtx
	if cfg.DefaultTimeout > 0 {
		var stop context.CancelFunc
		execCtx, stop = context.WithTimeoutCause(runCtx, cfg.DefaultTimeout, ErrTimeout)
		defer stop()
	}

	s.amu.Lock()
	s.active[run.ID] = &activeRun{run: run, cancel: cancel}
	s.amu.Unlock()
	defer func() {
		s.amu.Lock()
		delete(s.active, run.ID)
		s.amu.Unlock()
	}()

	queueDelay := max(start.Sub(p.At), 0)
	log.Debug("run.started", logx.Int64("run", run.ID), logx.Duration("queue_delay", queueDelay))
	s.publish(EventStarted, s.event(run, start, 0, ""))

	out := s.execute(execCtx, run, def, log)
	if out.Status != ledger.StateSucceeded && errors.Is(context.Cause(execCtx), ErrTimeout) && context.Cause(runCtx) == nil {
		out = Outcome{Status: ledger.StateFailed, Err: fmt.Errorf("%w after %s", ErrTimeout, cfg.DefaultTimeout)}
	}

	finish := time.Now()
	dur := finish.Sub(start)
	state, runErr := classify(out, context.Cause(runCtx), ctx.Err())

	retry := false
	if state == ledger.StateFailed {
		if !IsNoRetry(runErr) && p.Attempt < cfg.MaxReruns {
			retry = true
		} else {
			state = ledger.StateFailedFinal
		}
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	rows := out.Rows
	if state != ledger.StateSucceeded {
		rows = nil
	}
	if done, err := s.ledger.Finish(run.ID, state, finish, rows, errMsg); err == nil {
		run = done
	} else {
		// Evicted by a tiny history; keep reporting with what we have.
		log.Warn("run.finish_record_failed", logx.Int64("run", run.ID), logx.Err(err))
		run.State, run.Finished, run.Rows, run.Error = state, finish, rows, errMsg
	}

	ev := s.event(run, start, dur, errMsg)
	switch state {
	case ledger.StateSucceeded:
		s.succeeded.Add(1)
		if dur >= 750*time.Millisecond {
			log.Info("run.succeeded", logx.Int64("run", run.ID), logx.Duration("dur", dur), logx.Int("rows", len(rows)))
		} else {
			log.Debug("run.succeeded", logx.Int64("run", run.ID), logx.Duration("dur", dur), logx.Int("rows", len(rows)))
		}
		s.publish(EventSucceeded, ev)
	case ledger.StateCancelled:
		s.cancelled.Add(1)
		log.Info("run.cancelled", logx.Int64("run", run.ID), logx.Duration("dur", dur), logx.Err(runErr))
		s.publish(EventCancelled, ev)
	case ledger.StateFailed:
		s.failed.Add(1)
		delay := backoffDelayWithHint(cfg, p.Attempt, runErr, rng)
		next := p.Retry(finish.Add(delay))
		s.queue.Add(next)
		log.Warn("run.failed", logx.Int64("run", run.ID), logx.Duration("dur", dur), logx.Err(runErr), logx.Duration("retry_in", delay))
		s.publish(EventFailed, ev)
		ev.RetryAt = next.At
		s.publish(EventRetry, ev)
	case ledger.StateFailedFinal:
		s.failedFinal.Add(1)
		log.Warn("run.failed_final", logx.Int64("run", run.ID), logx.Duration("dur", dur), logx.Err(runErr))
		s.publish(EventFailedFinal, ev)
	}

	if !retry && s.notify != nil {
		nctx, ncancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := s.notify.Notify(nctx, run, def); err != nil {
			log.Warn("run.notify_failed", logx.Int64("run", run.ID), logx.Err(err))
		}
		ncancel()
	}
}

// execute calls the executor, converting a panic into a Failed outcome so
// one bad job cannot take a worker down.
func (s *Service) execute(ctx context.Context, run ledger.Run, def job.Definition, log logx.Logger) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("run.panic", logx.Int64("run", run.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out = Outcome{Status: ledger.StateFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return s.exec.Execute(ctx, run, def)
}

// classify maps an executor outcome to the attempt's state. Deliberate
// cancellation wins over whatever the executor reported unless it had
// already succeeded.
func classify(out Outcome, cause, engineErr error) (ledger.State, error) {
	if out.Status == ledger.StateSucceeded && out.Err == nil {
		return ledger.StateSucceeded, nil
	}
	if IsCancelCause(cause) || engineErr != nil {
		if cause == nil {
			cause = ErrShutdown
		}
		return ledger.StateCancelled, cause
	}
	if out.Status == ledger.StateCancelled {
		err := out.Err
		if err == nil {
			err = ErrCancelled
		}
		return ledger.StateCancelled, err
	}
	err := out.Err
	if err == nil {
		err = errors.New("execution failed")
	}
	return ledger.StateFailed, err
}

func (s *Service) event(run ledger.Run, start time.Time, dur time.Duration, errMsg string) RunEvent {
	return RunEvent{
		RunID:    run.ID,
		JobID:    run.JobID(),
		Name:     run.Planned.Job.Name,
		Attempt:  run.Attempt,
		State:    run.State,
		Due:      run.Planned.At,
		Started:  start,
		Duration: dur,
		Error:    errMsg,
	}
}

func backoffDelayWithHint(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return jitter(min(ra.RetryAfter(), cfg.RetryMaxDelay), cfg, rng)
	}
	return backoffDelay(cfg, attempt, rng)
}

// backoffDelay returns the wait before attempt+1: RetryBackoff doubled per
// prior attempt, jittered, capped at RetryMaxDelay.
func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	if cfg.RetryBackoff <= 0 {
		return 0
	}
	d := cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if d <= 0 {
		return 0
	}
	if cfg.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if cfg.RetryMaxDelay > 0 && d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return max(d, 0)
}
