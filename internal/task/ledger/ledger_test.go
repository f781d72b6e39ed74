package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qcron/internal/job"
)

var t0 = time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

func plan(id int64) job.Planned {
	return job.NewPlanned(job.Definition{ID: id, Name: "j"}, t0)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	l := New(10, "host-a")
	r := l.Open(plan(1), t0)
	assert.Equal(t, int64(1), r.ID)
	assert.Equal(t, StateQueued, r.State)
	assert.Equal(t, "host-a", r.Host)

	r, err := l.Start(r.ID, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, r.State)

	rows := []map[string]string{{"a": "1"}}
	r, err = l.Finish(r.ID, StateSucceeded, t0.Add(3*time.Second), rows, "")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, r.State)
	assert.Equal(t, 2*time.Second, r.Duration())

	_, err = l.Finish(r.ID, StateFailed, t0, nil, "late")
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	got, ok := l.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, got.State)
	got.Rows[0]["a"] = "changed"
	again, _ := l.Get(r.ID)
	assert.Equal(t, "1", again.Rows[0]["a"])
}

func TestFinishRejectsNonTerminal(t *testing.T) {
	t.Parallel()

	l := New(10, "")
	r := l.Open(plan(1), t0)
	_, err := l.Finish(r.ID, StateRunning, t0, nil, "")
	assert.Error(t, err)
	_, err = l.Finish(99, StateSucceeded, t0, nil, "")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestBoundedEvictsOldest(t *testing.T) {
	t.Parallel()

	l := New(3, "")
	for i := 0; i < 5; i++ {
		l.Open(plan(1), t0)
	}
	assert.Equal(t, 3, l.Len())
	runs := l.List(nil, 0)
	require.Len(t, runs, 3)
	assert.Equal(t, []int64{3, 4, 5}, ids(runs))
	_, ok := l.Get(1)
	assert.False(t, ok)
}

func TestListFilterThenLimit(t *testing.T) {
	t.Parallel()

	l := New(20, "")
	for i := 0; i < 6; i++ {
		l.Open(plan(int64(1+i%2)), t0) // ids 1..6 alternate job 1 and 2
	}
	job1 := int64(1)
	assert.Equal(t, []int64{1, 3, 5}, ids(l.List(&job1, 0)))
	assert.Equal(t, []int64{3, 5}, ids(l.List(&job1, 2)))
	assert.Equal(t, []int64{5, 6}, ids(l.List(nil, 2)))

	unknown := int64(42)
	assert.Empty(t, l.List(&unknown, 5))
}

func TestResize(t *testing.T) {
	t.Parallel()

	l := New(5, "")
	for i := 0; i < 5; i++ {
		l.Open(plan(1), t0)
	}
	l.Resize(2)
	assert.Equal(t, 2, l.Capacity())
	assert.Equal(t, []int64{4, 5}, ids(l.List(nil, 0)))
}

func TestInState(t *testing.T) {
	t.Parallel()

	l := New(5, "")
	a := l.Open(plan(1), t0)
	l.Open(plan(2), t0)
	_, err := l.Start(a.ID, t0)
	require.NoError(t, err)

	running := l.InState(StateRunning)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)
	assert.Len(t, l.InState(StateQueued), 1)
}

func ids(runs []Run) []int64 {
	out := make([]int64, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.ID)
	}
	return out
}
