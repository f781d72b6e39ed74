package storage

import (
	"context"
	"errors"
	"time"

	"qcron/internal/job"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage. An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobStore holds job definitions. Every mutation stamps LastModified and
// bumps Version; every version is retained until the job is deleted.
type JobStore interface {
	GetAll(ctx context.Context) ([]job.Definition, error)
	GetByID(ctx context.Context, id int64) (job.Definition, error)
	GetChildren(ctx context.Context, id int64) ([]job.Definition, error)
	Create(ctx context.Context, def job.Definition) (int64, error)
	Update(ctx context.Context, def job.Definition) error
	Delete(ctx context.Context, id int64) (bool, error)
	GetVersions(ctx context.Context, id int64) ([]job.Version, error)
}

// WatermarkStore persists the last dispatched due time per job.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, jobID int64) (time.Time, bool, error)
	SetWatermark(ctx context.Context, jobID int64, at time.Time) error
}

type Store interface {
	JobStore
	WatermarkStore
	Close() error
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for LastModified.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// checkDefinition validates def before a write. The parent, when set, must
// exist (exists reports that).
func checkDefinition(def job.Definition, exists func(id int64) (bool, error)) error {
	if err := job.Validate(def); err != nil {
		return err
	}
	if def.ParentID != nil {
		ok, err := exists(*def.ParentID)
		if err != nil {
			return err
		}
		if !ok {
			return &job.ValidationError{Field: "parent_id", Msg: "parent job does not exist", Err: &job.NotFoundError{ID: *def.ParentID}}
		}
	}
	return nil
}
