// Package app wires the store, the driver registry, the worker pool, the
// dispatcher and the notifier into one process and exposes the front-end
// Service.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"qcron/internal/config"
	"qcron/internal/diag"
	"qcron/internal/drivers"
	"qcron/internal/eventbus"
	"qcron/internal/notifier"
	rtsup "qcron/internal/runtime/supervisor"
	"qcron/internal/storage"
	"qcron/internal/task/engine"
	"qcron/internal/task/executor"
	"qcron/internal/task/ledger"
	"qcron/internal/task/queue"
	"qcron/internal/task/scheduler"
	logx "qcron/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *rtsup.Supervisor
	host string

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	drivers *drivers.Registry
	exec    *executor.Executor
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	diag    *diag.Service

	svc *Service
}

// NewApp loads the config file and builds every component. The file is
// watched for changes once the app is started.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := build(cfg)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// NewFromConfig builds an app from an in-memory config; it does not watch
// any file.
func NewFromConfig(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(cfg)
}

func build(cfg *config.Config) (*App, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()
	host := instanceID()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	registry, _ := drivers.NewRegistry(mapDrivers(cfg))

	engCfg, execCfg, _ := mapEngineConfig(cfg)
	exec := executor.New(execCfg, registry, log.With(logx.String("comp", "executor")))

	ncfg, _ := mapNotifierConfig(cfg)
	sinks, err := notifier.BuildSinks(ncfg, log)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, log.With(logx.String("comp", "notifier")), bus, sinks...)

	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus, engine.Deps{
		Queue:    queue.New(),
		Ledger:   ledger.New(engCfg.HistorySize, host),
		Executor: exec,
		Notifier: notif,
	})

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, store, store, eng, log.With(logx.String("comp", "dispatcher")), bus)

	a := &App{
		cfg:     cfg,
		host:    host,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		drivers: registry,
		exec:    exec,
		engine:  eng,
		sched:   sched,
		notif:   notif,
		svc: NewService(ServiceDeps{
			Store:     store,
			Engine:    eng,
			Scheduler: sched,
			Drivers:   registry,
			Executor:  exec,
			Logger:    log.With(logx.String("comp", "service")),
		}),
	}
	a.diag = diag.New(mapDiagConfig(cfg), log.With(logx.String("comp", "diag")), func() any { return a.Status() })
	return a, nil
}

// instanceID tags every run with the process that executed it.
func instanceID() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		h = "qcron"
	}
	return h + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func (a *App) Service() *Service { return a.svc }

func (a *App) Host() string { return a.host }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Engine first so the first dispatcher tick finds it running.
	a.notif.Start(runCtx)
	a.engine.Start(runCtx)
	a.sched.Start(runCtx)
	a.diag.Start(runCtx)

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Debug level: the dispatcher publishes on every tick.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return validateConfig(cfg)
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return nil
				case newCfg, ok := <-sub:
					if !ok {
						return nil
					}
					a.applyConfig(c, newCfg)
				}
			}
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started",
		logx.String("host", a.host),
		logx.Int("drivers", len(a.drivers.List())),
		logx.Bool("dispatcher", a.sched.Enabled()),
		logx.Bool("engine", a.engine.Enabled()),
	)
	return nil
}

// applyConfig applies a reloaded config to the live components. Driver
// and storage changes are only logged; they need a restart.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(a.cfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.cfg = newCfg

	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if engCfg, _, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ctx, schedCfg)
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.notif.Start(ctx)
		}
	}

	a.diag.Apply(ctx, mapDiagConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Status is a diagnostics snapshot of the running components.
type Status struct {
	Host       string             `json:"host"`
	Engine     engine.Snapshot    `json:"engine"`
	Dispatcher scheduler.Snapshot `json:"dispatcher"`
	Goroutines []rtsup.Stats      `json:"goroutines"`
	Notified   int                `json:"notified"`
	Dropped    uint64             `json:"events_dropped"`
}

func (a *App) Status() Status {
	var goroutines []rtsup.Stats
	if a.sup != nil {
		goroutines = a.sup.Snapshot()
	}
	return Status{
		Host:       a.host,
		Engine:     a.engine.Snapshot(),
		Dispatcher: a.sched.Snapshot(),
		Goroutines: goroutines,
		Notified:   len(a.notif.History()),
		Dropped:    a.bus.Dropped(),
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started: only release what build opened.
		err := errors.Join(a.drivers.Close(), a.store.Close())
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Dispatcher first so nothing new is queued; then the workers, whose
	// final runs still notify.
	a.step(ctx, "diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	a.step(ctx, "dispatcher", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "drivers", time.Second, func(context.Context) error { return a.drivers.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		// fn must honor stepCtx; report the leak when it finally returns.
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
