package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"qcron/internal/job"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	now      func() time.Time
	nextID   int64
	jobs     map[int64]job.Definition
	versions map[int64][]job.Version
	marks    map[int64]time.Time
	closed   bool
}

func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		now:      o.now,
		jobs:     map[int64]job.Definition{},
		versions: map[int64][]job.Version{},
		marks:    map[int64]time.Time{},
	}
}

func (m *Memory) GetAll(ctx context.Context) ([]job.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]job.Definition, 0, len(m.jobs))
	for _, d := range m.jobs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetByID(ctx context.Context, id int64) (job.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return job.Definition{}, ErrClosed
	}
	d, ok := m.jobs[id]
	if !ok {
		return job.Definition{}, &job.NotFoundError{ID: id}
	}
	return d.Clone(), nil
}

func (m *Memory) GetChildren(ctx context.Context, id int64) ([]job.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.jobs[id]; !ok {
		return nil, &job.NotFoundError{ID: id}
	}
	var out []job.Definition
	for _, d := range m.jobs {
		if d.ParentID != nil && *d.ParentID == id {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Create(ctx context.Context, def job.Definition) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	def.ID = 0
	if err := checkDefinition(def, m.existsLocked); err != nil {
		return 0, err
	}
	m.nextID++
	def.ID = m.nextID
	def.Version = 1
	def.LastModified = m.now()
	m.putLocked(def)
	return def.ID, nil
}

func (m *Memory) Update(ctx context.Context, def job.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.jobs[def.ID]
	if !ok {
		return &job.NotFoundError{ID: def.ID}
	}
	if err := checkDefinition(def, m.existsLocked); err != nil {
		return err
	}
	def.Version = cur.Version + 1
	def.LastModified = m.now()
	m.putLocked(def)
	return nil
}

func (m *Memory) Delete(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, ok := m.jobs[id]; !ok {
		return false, nil
	}
	m.deleteLocked(id)
	return true, nil
}

func (m *Memory) GetVersions(ctx context.Context, id int64) ([]job.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.jobs[id]; !ok {
		return nil, &job.NotFoundError{ID: id}
	}
	vs := m.versions[id]
	out := make([]job.Version, len(vs))
	for i, v := range vs {
		v.Definition = v.Definition.Clone()
		out[i] = v
	}
	return out, nil
}

func (m *Memory) GetWatermark(ctx context.Context, jobID int64) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	t, ok := m.marks[jobID]
	return t, ok, nil
}

func (m *Memory) SetWatermark(ctx context.Context, jobID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.marks[jobID] = at
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) existsLocked(id int64) (bool, error) {
	_, ok := m.jobs[id]
	return ok, nil
}

func (m *Memory) putLocked(def job.Definition) {
	m.jobs[def.ID] = def.Clone()
	if def.ID > m.nextID {
		m.nextID = def.ID
	}
	m.versions[def.ID] = append(m.versions[def.ID], job.Version{
		JobID:      def.ID,
		Version:    def.Version,
		Definition: def.Clone(),
		CreatedAt:  def.LastModified,
	})
}

func (m *Memory) deleteLocked(id int64) {
	delete(m.jobs, id)
	delete(m.versions, id)
	delete(m.marks, id)
}
