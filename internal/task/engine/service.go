package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"qcron/internal/eventbus"
	"qcron/internal/job"
	"qcron/internal/task/ledger"
	"qcron/internal/task/queue"
	logx "qcron/pkg/logx"

	rtsup "qcron/internal/runtime/supervisor"
)

// Service is the worker pool: it takes due planned jobs from the queue,
// runs them through the Executor, records each attempt in the ledger and
// re-enqueues failed attempts while the retry budget lasts.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue  *queue.Queue
	ledger *ledger.Ledger
	exec   Executor
	notify Notifier

	inFlight         int32
	waitingForPermit int32
	permits          chan struct{}
	held             int // permits taken from the current pool or carried over by a resize
	debt             int // permits to swallow after shrinking below held
	gen              int

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	amu    sync.Mutex
	active map[int64]*activeRun

	succeeded   atomic.Uint64
	failed      atomic.Uint64
	failedFinal atomic.Uint64
	cancelled   atomic.Uint64
}

type activeRun struct {
	run    ledger.Run
	cancel context.CancelCauseFunc
}

// Deps are the collaborators of the pool. Notify may be nil.
type Deps struct {
	Queue    *queue.Queue
	Ledger   *ledger.Ledger
	Executor Executor
	Notifier Notifier
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, deps Deps) *Service {
	cfg = cfg.withDefaults()
	if deps.Queue == nil {
		deps.Queue = queue.New()
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.New(cfg.HistorySize, "")
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		queue:  deps.Queue,
		ledger: deps.Ledger,
		exec:   deps.Executor,
		notify: deps.Notifier,
		active: make(map[int64]*activeRun),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Queue() *queue.Queue    { return s.queue }
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Apply swaps the configuration. The ledger is resized in place; a change
// in the number of workers replaces the worker set while runs in flight
// finish on their old workers.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	s.ledger.Resize(cfg.HistorySize)

	switch {
	case !cfg.Enabled && running:
		s.Stop(ctx)
	case cfg.Enabled && !running:
		s.Start(ctx)
	case running && prev.Workers != cfg.Workers:
		s.resize(cfg.Workers)
	}
}

// resize retires the current workers without cancelling their runs and
// starts n new ones. Retired workers exit once their run ends; the fresh
// permit pool counts their runs so no more than n execute at once.
func (s *Service) resize(n int) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopDone != nil || s.sup == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.permits = make(chan struct{}, n)
	for i := s.held; i < n; i++ {
		s.permits <- struct{}{}
	}
	s.debt = max(s.held-n, 0)
	s.gen++
	gen := s.gen
	sup := s.sup
	busy := s.held
	s.mu.Unlock()

	s.spawnWorkers(sup, stopCh, gen, n)
	s.log.Info("engine resized", logx.Int("workers", n), logx.Int("busy", busy))
}

func (s *Service) spawnWorkers(sup *rtsup.Supervisor, stopCh chan struct{}, gen, n int) {
	for i := 0; i < n; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d.%d", gen, idx), func(c context.Context) error {
			s.worker(c, stopCh, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		// Start is idempotent; wait out a concurrent Stop first.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}
	if s.exec == nil {
		s.mu.Unlock()
		s.log.Error("engine not started: no executor")
		return
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	s.permits = make(chan struct{}, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		s.permits <- struct{}{}
	}
	s.held, s.debt = 0, 0
	s.gen++
	gen := s.gen
	atomic.StoreInt32(&s.inFlight, 0)
	atomic.StoreInt32(&s.waitingForPermit, 0)

	// Workers outlive the caller's request context; Stop ends them.
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	s.spawnWorkers(sup, stopCh, gen, cfg.Workers)

	s.log.Info("engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("max_reruns", cfg.MaxReruns),
		logx.Duration("retry_backoff", cfg.RetryBackoff),
		logx.Duration("default_timeout", cfg.DefaultTimeout),
	)
}

// Stop cancels in-flight runs (they end Cancelled) and waits for the
// workers until ctx is done. Queued planned jobs stay in the queue.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	s.amu.Lock()
	for _, a := range s.active {
		a.cancel(ErrShutdown)
	}
	s.amu.Unlock()

	go func() {
		if sup != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.permits = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds p to the queue. Attempt defaults to 1.
func (s *Service) Enqueue(p job.Planned) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if p.Attempt <= 0 {
		p.Attempt = 1
	}
	s.queue.Add(p)
	return nil
}

// Cancel requests cancellation of a running run. It returns false if the
// run is not running. The run reaches Cancelled asynchronously.
func (s *Service) Cancel(runID int64) bool {
	s.amu.Lock()
	a, ok := s.active[runID]
	s.amu.Unlock()
	if !ok {
		return false
	}
	a.cancel(ErrCancelled)
	s.log.Info("run.cancel_requested", logx.Int64("run", runID), logx.String("job", a.run.Planned.Job.Name))
	return true
}

// Running returns the runs currently executing, ascending by id.
func (s *Service) Running() []ledger.Run {
	s.amu.Lock()
	out := make([]ledger.Run, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a.run)
	}
	s.amu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	sup := s.sup
	s.mu.Unlock()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		WaitingForPermit: int(atomic.LoadInt32(&s.waitingForPermit)),
		QueueLen:         s.queue.Len(),
		MaxReruns:        cfg.MaxReruns,
		RetryBackoff:     cfg.RetryBackoff,
		DefaultTimeout:   cfg.DefaultTimeout,
		HistoryLen:       s.ledger.Len(),
		HistoryCap:       s.ledger.Capacity(),
		Succeeded:        s.succeeded.Load(),
		Failed:           s.failed.Load(),
		FailedFinal:      s.failedFinal.Load(),
		Cancelled:        s.cancelled.Load(),
		Goroutines:       sup.Snapshot(),
	}
}

func (s *Service) publish(typ string, ev RunEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
