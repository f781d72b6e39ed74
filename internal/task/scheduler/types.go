package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"qcron/internal/eventbus"
	"qcron/internal/job"
	logx "qcron/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// Tick is the dispatcher period (default 15s).
	Tick time.Duration
	// MaxCatchUp is how many pending due times of one job are dispatched
	// after downtime; older ones are skipped (default 1).
	MaxCatchUp int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 15 * time.Second
	}
	if c.MaxCatchUp <= 0 {
		c.MaxCatchUp = 1
	}
	return c
}

// JobSource provides the definitions to dispatch.
type JobSource interface {
	GetAll(ctx context.Context) ([]job.Definition, error)
	GetByID(ctx context.Context, id int64) (job.Definition, error)
}

// WatermarkStore persists the last dispatched due time per job.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, jobID int64) (time.Time, bool, error)
	SetWatermark(ctx context.Context, jobID int64, at time.Time) error
}

// Enqueuer accepts planned executions (the engine).
type Enqueuer interface {
	Enqueue(p job.Planned) error
}

type jobState struct {
	name      string
	cron      string
	version   int
	watermark time.Time
	next      time.Time
	lastErr   string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location

	jobs  JobSource
	marks WatermarkStore
	enq   Enqueuer

	c       *cron.Cron
	baseCtx context.Context
	wg      sync.WaitGroup

	// tickMu serializes ticks; state and lastTick are guarded by mu.
	tickMu   sync.Mutex
	lastTick time.Time
	state    map[int64]*jobState

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// DispatchEvent is published for every enqueued due time.
type DispatchEvent struct {
	JobID int64     `json:"job_id"`
	Name  string    `json:"name"`
	Due   time.Time `json:"due"`
}

// TickEvent summarizes one tick.
type TickEvent struct {
	At         time.Time `json:"at"`
	Jobs       int       `json:"jobs"`
	Dispatched int       `json:"dispatched"`
	Skipped    int       `json:"skipped"`
}

const (
	EventDispatched = "dispatch.enqueued"
	EventSkipped    = "dispatch.skipped"
	EventTick       = "dispatch.tick"
)

type JobInfo struct {
	ID        int64
	Name      string
	Cron      string
	Watermark time.Time
	Next      time.Time
	Error     string
}

type Snapshot struct {
	Enabled    bool
	Running    bool
	Timezone   string
	Tick       time.Duration
	MaxCatchUp int
	LastTick   time.Time
	Jobs       []JobInfo
}
