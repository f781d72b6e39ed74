package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qcron/internal/drivers"
	"qcron/internal/job"
	"qcron/internal/storage"
	"qcron/internal/task/engine"
	"qcron/internal/task/executor"
	"qcron/internal/task/ledger"
	"qcron/internal/task/scheduler"
	logx "qcron/pkg/logx"
)

var (
	// ErrNotRunning is returned by CancelRun for a known run that is not
	// executing anymore.
	ErrNotRunning = errors.New("run is not running")
)

// Service is the front-end facing API over the store, the queue, the
// worker pool and the dispatcher.
type Service struct {
	store   storage.Store
	engine  *engine.Service
	sched   *scheduler.Service
	drivers *drivers.Registry
	exec    *executor.Executor
	log     logx.Logger
	now     func() time.Time
}

type ServiceDeps struct {
	Store     storage.Store
	Engine    *engine.Service
	Scheduler *scheduler.Service
	Drivers   *drivers.Registry
	Executor  *executor.Executor
	Logger    logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewService(d ServiceDeps) *Service {
	if d.Logger.IsZero() {
		d.Logger = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Service{
		store:   d.Store,
		engine:  d.Engine,
		sched:   d.Scheduler,
		drivers: d.Drivers,
		exec:    d.Executor,
		log:     d.Logger,
		now:     d.Now,
	}
}

// checkDriver rejects query jobs naming a driver that is not configured.
func (s *Service) checkDriver(def job.Definition) error {
	if def.Kind != job.KindQuery || s.drivers == nil {
		return nil
	}
	if _, err := s.drivers.Get(def.Driver); err != nil {
		return &job.ValidationError{Field: "driver", Msg: fmt.Sprintf("unknown driver %q", def.Driver), Err: err}
	}
	return nil
}

// CreateJob validates and stores def and returns its id. Nothing is stored
// when validation fails.
func (s *Service) CreateJob(ctx context.Context, def job.Definition) (int64, error) {
	if err := job.Validate(def); err != nil {
		return 0, err
	}
	if err := s.checkDriver(def); err != nil {
		return 0, err
	}
	id, err := s.store.Create(ctx, def)
	if err != nil {
		return 0, err
	}
	s.log.Info("job.created", logx.Int64("job_id", id), logx.String("job", def.Name))
	return id, nil
}

// UpdateJob replaces the stored definition with the same id, creating a
// new version.
func (s *Service) UpdateJob(ctx context.Context, def job.Definition) error {
	cur, err := s.store.GetByID(ctx, def.ID)
	if err != nil {
		return err
	}
	// Listings show a redacted password; sending it back keeps the stored one.
	if def.Password == job.RedactedPassword {
		def.Password = cur.Password
	}
	if err := job.Validate(def); err != nil {
		return err
	}
	if err := s.checkDriver(def); err != nil {
		return err
	}
	if err := s.store.Update(ctx, def); err != nil {
		return err
	}
	s.log.Info("job.updated", logx.Int64("job_id", def.ID), logx.String("job", def.Name))
	return nil
}

// DeleteJob removes the job, its history of versions and its queued
// executions. Running executions finish normally.
func (s *Service) DeleteJob(ctx context.Context, id int64) error {
	// Dequeue before and after the store delete so no worker takes an entry
	// of a deleted job and a concurrent dispatch leaves nothing behind.
	removed := s.dequeueJob(id)
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	removed += s.dequeueJob(id)
	if !ok {
		return &job.NotFoundError{ID: id}
	}
	s.log.Info("job.deleted", logx.Int64("job_id", id), logx.Int("dequeued", removed))
	return nil
}

func (s *Service) dequeueJob(id int64) int {
	n := 0
	for _, p := range s.engine.Queue().List(&id) {
		n += s.engine.Queue().Cancel(p)
	}
	return n
}

func (s *Service) GetJob(ctx context.Context, id int64) (job.Definition, error) {
	d, err := s.store.GetByID(ctx, id)
	if err != nil {
		return job.Definition{}, err
	}
	return d.Redacted(), nil
}

func (s *Service) ListJobs(ctx context.Context) ([]job.Definition, error) {
	defs, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		defs[i] = defs[i].Redacted()
	}
	return defs, nil
}

// JobVersions returns every retained version, oldest first.
func (s *Service) JobVersions(ctx context.Context, id int64) ([]job.Version, error) {
	vs, err := s.store.GetVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range vs {
		vs[i].Definition = vs[i].Definition.Redacted()
	}
	return vs, nil
}

func (s *Service) JobChildren(ctx context.Context, id int64) ([]job.Definition, error) {
	defs, err := s.store.GetChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		defs[i] = defs[i].Redacted()
	}
	return defs, nil
}

// JobTree arranges all jobs by their parent links.
func (s *Service) JobTree(ctx context.Context) ([]*job.Node, error) {
	defs, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return job.BuildTree(defs), nil
}

// Enqueue queues p. A persisted job is re-read from the store so the
// queued execution uses the current definition; a zero At means now.
func (s *Service) Enqueue(ctx context.Context, p job.Planned) error {
	if p.Job.ID != 0 {
		def, err := s.store.GetByID(ctx, p.Job.ID)
		if err != nil {
			return err
		}
		p.Job = def
	} else if err := job.Validate(p.Job); err != nil {
		return err
	}
	if p.At.IsZero() {
		p.At = s.now()
	}
	if p.Attempt <= 0 {
		p.Attempt = 1
	}
	if err := s.engine.Enqueue(p); err != nil {
		return err
	}
	s.log.Info("job.enqueued", logx.Int64("job_id", p.Job.ID), logx.String("job", p.Job.Name), logx.Time("at", p.At))
	return nil
}

// RunNow queues an immediate execution of a stored job.
func (s *Service) RunNow(ctx context.Context, id int64) (job.Planned, error) {
	def, err := s.store.GetByID(ctx, id)
	if err != nil {
		return job.Planned{}, err
	}
	p := job.NewPlanned(def, s.now())
	if err := s.engine.Enqueue(p); err != nil {
		return job.Planned{}, err
	}
	return p, nil
}

// CancelQueued removes every queued execution matching p (same job, same
// due time) and returns how many were removed. 0 means nothing matched.
func (s *Service) CancelQueued(p job.Planned) int {
	n := s.engine.Queue().Cancel(p)
	if n > 0 {
		s.log.Info("job.dequeued", logx.String("job", p.Job.Name), logx.Time("at", p.At), logx.Int("removed", n))
	}
	return n
}

// ListQueue lists queued executions in due order, optionally for one job.
func (s *Service) ListQueue(jobID *int64) []job.Planned {
	out := s.engine.Queue().List(jobID)
	for i := range out {
		out[i].Job = out[i].Job.Redacted()
	}
	return out
}

func (s *Service) ListRunning() []ledger.Run {
	return redactRuns(s.engine.Running())
}

// ListHistory returns up to limit most recent runs, optionally for one
// job, ascending by run id. An unknown job yields an empty list.
func (s *Service) ListHistory(jobID *int64, limit int) []ledger.Run {
	return redactRuns(s.engine.Ledger().List(jobID, limit))
}

// GetRun returns one run from the history.
func (s *Service) GetRun(runID int64) (ledger.Run, error) {
	r, ok := s.engine.Ledger().Get(runID)
	if !ok {
		return ledger.Run{}, fmt.Errorf("run %d: %w", runID, ledger.ErrUnknownRun)
	}
	return redactRuns([]ledger.Run{r})[0], nil
}

// ProjectFutureRuns lists the next limit scheduled times, interleaved
// across jobs in time order.
func (s *Service) ProjectFutureRuns(ctx context.Context, jobID *int64, limit int) ([]job.FutureRun, error) {
	return s.sched.Future(ctx, jobID, limit, s.now())
}

// CancelRun asks a running run to stop. The run ends Cancelled
// asynchronously.
func (s *Service) CancelRun(runID int64) error {
	if s.engine.Cancel(runID) {
		return nil
	}
	if _, ok := s.engine.Ledger().Get(runID); ok {
		return fmt.Errorf("run %d: %w", runID, ErrNotRunning)
	}
	return fmt.Errorf("run %d: %w", runID, ledger.ErrUnknownRun)
}

func (s *Service) ListDrivers() []drivers.Info {
	if s.drivers == nil {
		return nil
	}
	list := s.drivers.List()
	out := make([]drivers.Info, len(list))
	for i, d := range list {
		out[i] = d.Info()
	}
	return out
}

// JobResults runs the job's result query now and returns up to limit rows.
func (s *Service) JobResults(ctx context.Context, id int64, limit int) ([]map[string]string, error) {
	def, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.exec.FetchResults(ctx, def, limit)
}

func redactRuns(runs []ledger.Run) []ledger.Run {
	for i := range runs {
		runs[i].Planned.Job = runs[i].Planned.Job.Redacted()
	}
	return runs
}
