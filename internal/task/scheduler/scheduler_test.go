package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qcron/internal/eventbus"
	"qcron/internal/job"
	"qcron/internal/storage"
	logx "qcron/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	got  []job.Planned
	fail error
}

func (r *recorder) Enqueue(p job.Planned) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, p)
	return nil
}

func (r *recorder) times() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Time, len(r.got))
	for i, p := range r.got {
		out[i] = p.At.UTC()
	}
	return out
}

func at(h, m, s int) time.Time {
	return time.Date(2026, 3, 1, h, m, s, 0, time.UTC)
}

func minutely(name string) job.Definition {
	return job.Definition{
		Name: name,
		User: "ops",
		Kind: job.KindScript,
		Cron: "* * * * *",
		Code: "true",
	}
}

func newStore(t *testing.T, created time.Time) *storage.Memory {
	t.Helper()
	st := storage.NewMemory(storage.WithClock(func() time.Time { return created }))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newDispatcher(st *storage.Memory, enq Enqueuer, catchUp int) *Service {
	return New(Config{Enabled: true, Timezone: "UTC", Tick: 15 * time.Second, MaxCatchUp: catchUp}, st, st, enq, logx.Nop(), eventbus.New())
}

func TestTickDoesNotBackfillNewJobs(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, at(10, 0, 30))
	_, err := st.Create(ctx, minutely("fresh"))
	require.NoError(t, err)

	rec := &recorder{}
	s := newDispatcher(st, rec, 5)

	res, err := s.Tick(ctx, at(10, 5, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Jobs)
	assert.Equal(t, []time.Time{at(10, 5, 0)}, rec.times())
	assert.Zero(t, res.Skipped)
}

func TestWatermarkPreventsDoubleDispatch(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, at(10, 0, 0))
	id, err := st.Create(ctx, minutely("once"))
	require.NoError(t, err)

	rec := &recorder{}
	s := newDispatcher(st, rec, 1)
	_, err = s.Tick(ctx, at(10, 5, 10))
	require.NoError(t, err)
	_, err = s.Tick(ctx, at(10, 5, 25))
	require.NoError(t, err)
	_, err = s.Tick(ctx, at(10, 6, 5))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{at(10, 5, 0), at(10, 6, 0)}, rec.times())

	mark, ok, err := st.GetWatermark(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mark.Equal(at(10, 6, 0)))

	// a restarted dispatcher resumes from the stored watermark
	s2 := newDispatcher(st, rec, 1)
	res, err := s2.Tick(ctx, at(10, 6, 20))
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)
	assert.Len(t, rec.times(), 2)
}

func TestCatchUpIsCoalesced(t *testing.T) {
	for _, tc := range []struct {
		name    string
		catchUp int
		want    []time.Time
		skipped int
	}{
		{"latest only", 1, []time.Time{at(10, 9, 0)}, 2},
		{"two latest", 2, []time.Time{at(10, 8, 0), at(10, 9, 0)}, 1},
		{"all", 10, []time.Time{at(10, 7, 0), at(10, 8, 0), at(10, 9, 0)}, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := newStore(t, at(9, 0, 0))
			id, err := st.Create(ctx, minutely("lagging"))
			require.NoError(t, err)
			require.NoError(t, st.SetWatermark(ctx, id, at(10, 6, 0)))

			rec := &recorder{}
			s := newDispatcher(st, rec, tc.catchUp)
			res, err := s.Tick(ctx, at(10, 9, 30))
			require.NoError(t, err)
			assert.Equal(t, tc.want, rec.times())
			assert.Equal(t, tc.skipped, res.Skipped)

			mark, _, err := st.GetWatermark(ctx, id)
			require.NoError(t, err)
			assert.True(t, mark.Equal(at(10, 9, 0)))
		})
	}
}

func TestDisabledJobsAreSkipped(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, at(10, 0, 0))
	def := minutely("off")
	def.Disabled = true
	_, err := st.Create(ctx, def)
	require.NoError(t, err)

	rec := &recorder{}
	s := newDispatcher(st, rec, 1)
	res, err := s.Tick(ctx, at(10, 5, 10))
	require.NoError(t, err)
	assert.Zero(t, res.Jobs)
	assert.Empty(t, rec.times())
}

func daily(name string) job.Definition {
	def := minutely(name)
	def.Cron = "0 12 * * *"
	return def
}

func TestReenabledJobDoesNotFireMissedRuns(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st := storage.NewMemory(storage.WithClock(func() time.Time { return clock }))
	t.Cleanup(func() { _ = st.Close() })

	id, err := st.Create(ctx, daily("noon"))
	require.NoError(t, err)

	rec := &recorder{}
	s := newDispatcher(st, rec, 5)
	_, err = s.Tick(ctx, at(12, 0, 10))
	require.NoError(t, err)
	require.Equal(t, []time.Time{at(12, 0, 0)}, rec.times())

	def, err := st.GetByID(ctx, id)
	require.NoError(t, err)
	clock = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	def.Disabled = true
	require.NoError(t, st.Update(ctx, def))

	clock = time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	def.Disabled = false
	require.NoError(t, st.Update(ctx, def))

	res, err := s.Tick(ctx, time.Date(2026, 3, 15, 10, 0, 15, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)

	res, err = s.Tick(ctx, time.Date(2026, 3, 15, 12, 0, 5, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC), res.Dispatched[0].At.UTC())
}

func TestScheduleEditDoesNotFireEarlierDueTime(t *testing.T) {
	ctx := context.Background()
	clock := at(9, 0, 0)
	st := storage.NewMemory(storage.WithClock(func() time.Time { return clock }))
	t.Cleanup(func() { _ = st.Close() })

	id, err := st.Create(ctx, daily("report"))
	require.NoError(t, err)
	rec := &recorder{}
	s := newDispatcher(st, rec, 5)
	_, err = s.Tick(ctx, at(12, 0, 10))
	require.NoError(t, err)

	// The next day at 11:00 the job moves to 10:00; today's 10:00 is gone.
	next := func(h, m, sec int) time.Time { return at(h, m, sec).AddDate(0, 0, 1) }
	def, err := st.GetByID(ctx, id)
	require.NoError(t, err)
	clock = next(11, 0, 0)
	def.Cron = "0 10 * * *"
	require.NoError(t, st.Update(ctx, def))

	res, err := s.Tick(ctx, next(11, 0, 10))
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)
	assert.Equal(t, []time.Time{at(12, 0, 0)}, rec.times())
}

func TestEditAfterDueTimeKeepsIt(t *testing.T) {
	ctx := context.Background()
	clock := at(9, 0, 0)
	st := storage.NewMemory(storage.WithClock(func() time.Time { return clock }))
	t.Cleanup(func() { _ = st.Close() })

	id, err := st.Create(ctx, minutely("busy"))
	require.NoError(t, err)
	rec := &recorder{}
	s := newDispatcher(st, rec, 1)
	_, err = s.Tick(ctx, at(10, 4, 55))
	require.NoError(t, err)

	// Edited between the 10:05 due time and the tick that would dispatch it.
	def, err := st.GetByID(ctx, id)
	require.NoError(t, err)
	clock = at(10, 5, 3)
	def.Code = "echo edited"
	require.NoError(t, st.Update(ctx, def))

	res, err := s.Tick(ctx, at(10, 5, 10))
	require.NoError(t, err)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, at(10, 5, 0), res.Dispatched[0].At.UTC())
	assert.Equal(t, "echo edited", res.Dispatched[0].Job.Code)
}

type staticJobs []job.Definition

func (s staticJobs) GetAll(context.Context) ([]job.Definition, error) {
	return append([]job.Definition(nil), s...), nil
}

func (s staticJobs) GetByID(_ context.Context, id int64) (job.Definition, error) {
	for _, d := range s {
		if d.ID == id {
			return d, nil
		}
	}
	return job.Definition{}, &job.NotFoundError{ID: id}
}

func TestInvalidScheduleIsSkipped(t *testing.T) {
	ctx := context.Background()
	marks := storage.NewMemory()
	good := minutely("good")
	good.ID = 1
	bad := minutely("bad")
	bad.ID = 2
	bad.Cron = "99 * * * *"

	rec := &recorder{}
	s := New(Config{Enabled: true, Timezone: "UTC"}, staticJobs{bad, good}, marks, rec, logx.Nop(), nil)
	res, err := s.Tick(ctx, at(10, 5, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Invalid)
	require.Len(t, res.Dispatched, 1)
	assert.Equal(t, "good", res.Dispatched[0].Job.Name)

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 2)
	assert.Equal(t, int64(1), snap.Jobs[0].ID)
	assert.NotEmpty(t, snap.Jobs[1].Error)

	_, ok, err := marks.GetWatermark(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailedEnqueueKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, at(10, 0, 0))
	id, err := st.Create(ctx, minutely("retry"))
	require.NoError(t, err)

	rec := &recorder{fail: errors.New("engine stopped")}
	s := newDispatcher(st, rec, 1)
	res, err := s.Tick(ctx, at(10, 5, 10))
	require.NoError(t, err)
	assert.Empty(t, res.Dispatched)

	mark, ok, err := st.GetWatermark(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mark.Before(at(10, 5, 0)))

	rec.mu.Lock()
	rec.fail = nil
	rec.mu.Unlock()
	_, err = s.Tick(ctx, at(10, 5, 20))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{at(10, 5, 0)}, rec.times())
}

func TestTickPublishesEvents(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, at(10, 0, 0))
	_, err := st.Create(ctx, minutely("events"))
	require.NoError(t, err)

	bus := eventbus.New()
	sub, unsubscribe := bus.Subscribe(8, "dispatch.")
	defer unsubscribe()
	s := New(Config{Enabled: true, Timezone: "UTC"}, st, st, &recorder{}, logx.Nop(), bus)
	_, err = s.Tick(ctx, at(10, 5, 10))
	require.NoError(t, err)

	var types []string
	for len(sub) > 0 {
		types = append(types, (<-sub).Type)
	}
	assert.Equal(t, []string{EventDispatched, EventTick}, types)
}

func TestFutureInterleavesJobs(t *testing.T) {
	ctx := context.Background()
	st := newStore(t, at(8, 0, 0))
	morning := minutely("morning")
	morning.Cron = "0 9 * * *"
	noon := minutely("noon")
	noon.Cron = "30 12 * * *"
	mid, err := st.Create(ctx, morning)
	require.NoError(t, err)
	nid, err := st.Create(ctx, noon)
	require.NoError(t, err)
	off := minutely("off")
	off.Disabled = true
	_, err = st.Create(ctx, off)
	require.NoError(t, err)

	s := newDispatcher(st, &recorder{}, 1)
	runs, err := s.Future(ctx, nil, 4, at(10, 0, 0))
	require.NoError(t, err)
	require.Len(t, runs, 4)
	want := []job.FutureRun{
		{Name: "noon", JobID: nid, At: at(12, 30, 0)},
		{Name: "morning", JobID: mid, At: at(9, 0, 0).AddDate(0, 0, 1)},
		{Name: "noon", JobID: nid, At: at(12, 30, 0).AddDate(0, 0, 1)},
		{Name: "morning", JobID: mid, At: at(9, 0, 0).AddDate(0, 0, 2)},
	}
	for i := range want {
		assert.Equal(t, want[i].Name, runs[i].Name)
		assert.Equal(t, want[i].JobID, runs[i].JobID)
		assert.True(t, want[i].At.Equal(runs[i].At), "run %d: %s", i, runs[i].At)
	}

	only, err := s.Future(ctx, &mid, 0, at(10, 0, 0))
	require.NoError(t, err)
	assert.Len(t, only, DefaultFutureLimit)
	for _, r := range only {
		assert.Equal(t, "morning", r.Name)
	}

	missing := int64(404)
	_, err = s.Future(ctx, &missing, 3, at(10, 0, 0))
	assert.True(t, job.IsNotFound(err))
}

func TestStartStopAndApply(t *testing.T) {
	st := newStore(t, at(10, 0, 0))
	rec := &recorder{}
	s := New(Config{Enabled: true, Timezone: "Europe/Berlin", Tick: time.Hour}, st, st, rec, logx.Nop(), nil)
	ctx := context.Background()

	s.Start(ctx)
	assert.True(t, s.Snapshot().Running)
	assert.Equal(t, "Europe/Berlin", s.Location().String())

	s.Apply(ctx, Config{Enabled: true, Timezone: "UTC", Tick: time.Hour})
	assert.True(t, s.Snapshot().Running)
	assert.Equal(t, "UTC", s.Location().String())

	s.Apply(ctx, Config{Enabled: false, Timezone: "UTC"})
	assert.False(t, s.Snapshot().Running)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.False(t, s.Enabled())
}

func TestInvalidTimezoneFallsBackToLocal(t *testing.T) {
	s := New(Config{Timezone: "Mars/Olympus"}, staticJobs{}, storage.NewMemory(), &recorder{}, logx.Nop(), nil)
	assert.Equal(t, time.Local, s.Location())
}
