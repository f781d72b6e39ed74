package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"qcron/internal/eventbus"
	logx "qcron/pkg/logx"
)

func New(cfg Config, jobs JobSource, marks WatermarkStore, enq Enqueuer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		jobs:     jobs,
		marks:    marks,
		enq:      enq,
		state:    map[int64]*jobState{},
		lastWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the timezone schedules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocationLocked()
	}
	old := s.c
	running := old != nil
	restart := running && cfg.Enabled && (prev.Timezone != cfg.Timezone || prev.Tick != cfg.Tick)
	if restart {
		s.c = nil
	}
	s.mu.Unlock()

	switch {
	case restart:
		// Stop outside the lock: a running tick needs s.mu to finish.
		<-old.Stop().Done()
		s.mu.Lock()
		if s.c == nil {
			s.startCronLocked()
		}
		s.mu.Unlock()
		s.log.Info("dispatcher restarted", logx.String("tz", s.Location().String()), logx.Duration("tick", cfg.Tick))
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	}
}

// Start runs an immediate tick and then one every cfg.Tick.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.baseCtx = context.WithoutCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.startCronLocked()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTick()
	}()
	s.log.Info("dispatcher started", logx.String("tz", s.loc.String()), logx.Duration("tick", s.cfg.Tick), logx.Int("max_catch_up", s.cfg.MaxCatchUp))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("dispatcher stop timed out", logx.Err(ctx.Err()))
		return
	}
	s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithLocation(s.loc))
	s.c.Schedule(cron.Every(s.cfg.Tick), cron.FuncJob(s.runTick))
	s.c.Start()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) runTick() {
	s.mu.Lock()
	base := s.baseCtx
	tick := s.cfg.Tick
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, max(tick, 5*time.Second))
	defer cancel()
	if _, err := s.Tick(ctx, time.Now()); err != nil {
		s.warnThrottled("tick", "dispatcher tick failed", logx.Err(err))
	}
}
