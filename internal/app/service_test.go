package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qcron/internal/drivers"
	"qcron/internal/eventbus"
	"qcron/internal/job"
	"qcron/internal/storage"
	"qcron/internal/task/engine"
	"qcron/internal/task/executor"
	"qcron/internal/task/ledger"
	"qcron/internal/task/queue"
	"qcron/internal/task/scheduler"
	logx "qcron/pkg/logx"
)

type fixture struct {
	svc   *Service
	eng   *engine.Service
	reg   *drivers.Registry
	store *storage.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logx.Nop()
	bus := eventbus.New()
	store := storage.NewMemory()

	reg, err := drivers.NewRegistry([]drivers.Driver{{
		Name:        "local",
		Transport:   "sqlite",
		Target:      filepath.Join(t.TempDir(), "data.db"),
		ResultQuery: "SELECT * FROM %s ORDER BY id LIMIT %d",
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	exec := executor.New(executor.Config{ResultLimit: 10}, reg, log)
	eng := engine.New(engine.Config{
		Enabled:      true,
		Workers:      2,
		MaxReruns:    1,
		PollInterval: 10 * time.Millisecond,
	}, log, bus, engine.Deps{
		Queue:    queue.New(),
		Ledger:   ledger.New(50, "test"),
		Executor: exec,
	})
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		stopCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		eng.Stop(stopCtx)
	})

	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, store, store, eng, log, bus)

	return &fixture{
		svc: NewService(ServiceDeps{
			Store:     store,
			Engine:    eng,
			Scheduler: sched,
			Drivers:   reg,
			Executor:  exec,
			Logger:    log,
		}),
		eng:   eng,
		reg:   reg,
		store: store,
	}
}

func scriptJob(name, code string) job.Definition {
	return job.Definition{Name: name, User: "ops", Kind: job.KindScript, Cron: "0 3 * * *", Code: code}
}

func waitForRun(t *testing.T, svc *Service, jobID int64, want ledger.State) ledger.Run {
	t.Helper()
	var got ledger.Run
	require.Eventually(t, func() bool {
		for _, r := range svc.ListHistory(&jobID, 0) {
			if r.State == want {
				got = r
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestCreateJobRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := scriptJob("nouser", "true")
	def.User = ""
	_, err := f.svc.CreateJob(ctx, def)
	var ve *job.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "user", ve.Field)

	q := job.Definition{
		Name: "q", User: "etl", Kind: job.KindQuery, Cron: "* * * * *",
		Driver: "missing", ResultTable: "out",
	}
	_, err = f.svc.CreateJob(ctx, q)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "driver", ve.Field)
	assert.ErrorIs(t, err, drivers.ErrUnknownDriver)

	all, err := f.svc.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPasswordIsRedactedAndKeptOnUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := scriptJob("secret", "true")
	def.Password = "hunter2"
	id, err := f.svc.CreateJob(ctx, def)
	require.NoError(t, err)

	got, err := f.svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.RedactedPassword, got.Password)

	got.Code = "echo changed"
	require.NoError(t, f.svc.UpdateJob(ctx, got))

	stored, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", stored.Password)
	assert.Equal(t, "echo changed", stored.Code)
	assert.Equal(t, 2, stored.Version)

	vs, err := f.svc.JobVersions(ctx, id)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	for _, v := range vs {
		assert.Equal(t, job.RedactedPassword, v.Definition.Password)
	}
}

func TestDeleteJobDequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.CreateJob(ctx, scriptJob("later", "true"))
	require.NoError(t, err)
	def, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, f.svc.Enqueue(ctx, job.NewPlanned(def, future)))
	require.Len(t, f.svc.ListQueue(&id), 1)

	require.NoError(t, f.svc.DeleteJob(ctx, id))
	assert.Empty(t, f.svc.ListQueue(nil))

	err = f.svc.DeleteJob(ctx, id)
	assert.True(t, job.IsNotFound(err))
	_, err = f.svc.GetJob(ctx, id)
	assert.True(t, job.IsNotFound(err))
}

type deleteSpy struct {
	storage.Store
	queued func(id int64) int
	seen   int
}

func (d *deleteSpy) Delete(ctx context.Context, id int64) (bool, error) {
	d.seen = d.queued(id)
	return d.Store.Delete(ctx, id)
}

func TestDeleteJobDequeuesBeforeStoreDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.CreateJob(ctx, scriptJob("later", "true"))
	require.NoError(t, err)
	def, err := f.store.GetByID(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.svc.Enqueue(ctx, job.NewPlanned(def, time.Now().Add(time.Hour))))

	spy := &deleteSpy{Store: f.store, seen: -1}
	spy.queued = func(id int64) int { return len(f.eng.Queue().List(&id)) }
	svc := NewService(ServiceDeps{Store: spy, Engine: f.eng, Drivers: f.reg, Logger: logx.Nop()})

	require.NoError(t, svc.DeleteJob(ctx, id))
	assert.Zero(t, spy.seen, "queue entries must be gone when the definition is deleted")
	assert.Empty(t, f.svc.ListQueue(nil))
}

func TestEnqueueAndCancelQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.CreateJob(ctx, scriptJob("report", "true"))
	require.NoError(t, err)

	due := time.Now().Add(time.Hour).Truncate(time.Second)
	p := job.Planned{Job: job.Definition{ID: id}, At: due}
	require.NoError(t, f.svc.Enqueue(ctx, p))

	queued := f.svc.ListQueue(nil)
	require.Len(t, queued, 1)
	assert.Equal(t, "report", queued[0].Job.Name)
	assert.Equal(t, 1, queued[0].Attempt)

	assert.Equal(t, 1, f.svc.CancelQueued(queued[0]))
	assert.Equal(t, 0, f.svc.CancelQueued(queued[0]))

	err = f.svc.Enqueue(ctx, job.Planned{Job: job.Definition{ID: 999}})
	assert.True(t, job.IsNotFound(err))
}

func TestEnqueueUnsavedDefinition(t *testing.T) {
	f := newFixture(t)

	def := scriptJob("adhoc", `echo adhoc`)
	require.NoError(t, f.svc.Enqueue(context.Background(), job.Planned{Job: def}))

	var run ledger.Run
	require.Eventually(t, func() bool {
		for _, r := range f.svc.ListHistory(nil, 0) {
			if r.State == ledger.StateSucceeded {
				run = r
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "adhoc", run.Planned.Job.Name)

	bad := scriptJob("adhoc", "")
	err := f.svc.Enqueue(context.Background(), job.Planned{Job: bad})
	assert.ErrorIs(t, err, job.ErrValidation)
}

func TestRunNowScript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	def := scriptJob("hello", `echo "hi $QCRON_JOB"`)
	def.Password = "pw"
	id, err := f.svc.CreateJob(ctx, def)
	require.NoError(t, err)

	_, err = f.svc.RunNow(ctx, id)
	require.NoError(t, err)

	run := waitForRun(t, f.svc, id, ledger.StateSucceeded)
	require.Len(t, run.Rows, 1)
	assert.Equal(t, "hi hello\n", run.Rows[0]["output"])
	assert.Equal(t, job.RedactedPassword, run.Planned.Job.Password)
	assert.Equal(t, "test", run.Host)

	got, err := f.svc.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = f.svc.GetRun(run.ID + 100)
	assert.ErrorIs(t, err, ledger.ErrUnknownRun)
}

func TestQueryJobResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	db, err := f.reg.Open(ctx, "local")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE out (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	id, err := f.svc.CreateJob(ctx, job.Definition{
		Name:        "load",
		User:        "etl",
		Kind:        job.KindQuery,
		Driver:      "local",
		Cron:        "*/5 * * * *",
		Code:        `INSERT INTO out (name) VALUES ('a'), ('b')`,
		ResultTable: "out",
		ResultQuery: "SELECT * FROM out LIMIT 10",
	})
	require.NoError(t, err)

	_, err = f.svc.RunNow(ctx, id)
	require.NoError(t, err)
	run := waitForRun(t, f.svc, id, ledger.StateSucceeded)
	assert.Len(t, run.Rows, 2)

	rows, err := f.svc.JobResults(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["name"])
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.CreateJob(ctx, scriptJob("slow", "sleep 5"))
	require.NoError(t, err)
	_, err = f.svc.RunNow(ctx, id)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.svc.ListRunning()) == 1 }, 5*time.Second, 10*time.Millisecond)
	runID := f.svc.ListRunning()[0].ID
	require.NoError(t, f.svc.CancelRun(runID))

	waitForRun(t, f.svc, id, ledger.StateCancelled)
	assert.ErrorIs(t, f.svc.CancelRun(runID), ErrNotRunning)
	assert.ErrorIs(t, f.svc.CancelRun(runID+100), ledger.ErrUnknownRun)
}

func TestProjectFutureRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }

	daily, err := f.svc.CreateJob(ctx, scriptJob("daily", "true"))
	require.NoError(t, err)
	hourly := scriptJob("hourly", "true")
	hourly.Cron = "30 * * * *"
	_, err = f.svc.CreateJob(ctx, hourly)
	require.NoError(t, err)

	runs, err := f.svc.ProjectFutureRuns(ctx, nil, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "hourly", runs[0].Name)
	assert.Equal(t, now.Add(30*time.Minute), runs[0].At.UTC())
	assert.Equal(t, "daily", runs[1].Name)
	assert.Equal(t, now.Add(time.Hour), runs[1].At.UTC())
	assert.Equal(t, "hourly", runs[2].Name)

	only, err := f.svc.ProjectFutureRuns(ctx, &daily, 2)
	require.NoError(t, err)
	require.Len(t, only, 2)
	assert.Equal(t, now.Add(25*time.Hour), only[1].At.UTC())
}

func TestListDrivers(t *testing.T) {
	f := newFixture(t)
	list := f.svc.ListDrivers()
	require.Len(t, list, 1)
	assert.Equal(t, "local", list[0].Name)
	assert.Equal(t, "sqlite", list[0].DriverName)
}

func TestJobTree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.svc.CreateJob(ctx, scriptJob("root", "true"))
	require.NoError(t, err)
	child := scriptJob("child", "true")
	child.ParentID = &root
	_, err = f.svc.CreateJob(ctx, child)
	require.NoError(t, err)

	tree, err := f.svc.JobTree(ctx)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	assert.Equal(t, "root", tree[0].Name)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, "child", tree[0].Children[0].Name)

	kids, err := f.svc.JobChildren(ctx, root)
	require.NoError(t, err)
	require.Len(t, kids, 1)

	_, err = f.svc.JobChildren(ctx, 999)
	assert.True(t, errors.Is(err, job.ErrNotFound))
}
