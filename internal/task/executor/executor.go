// Package executor runs one attempt of a job definition against its
// backend and turns the result into an engine.Outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"qcron/internal/drivers"
	"qcron/internal/job"
	"qcron/internal/task/engine"
	"qcron/internal/task/ledger"
	logx "qcron/pkg/logx"
)

const DefaultResultLimit = 100

// Runner executes one kind of job.
type Runner interface {
	Run(ctx context.Context, run ledger.Run, def job.Definition) ([]map[string]string, error)
}

type RunnerFunc func(ctx context.Context, run ledger.Run, def job.Definition) ([]map[string]string, error)

func (f RunnerFunc) Run(ctx context.Context, run ledger.Run, def job.Definition) ([]map[string]string, error) {
	return f(ctx, run, def)
}

type Config struct {
	// ResultLimit is the row cap of the result sample stored on a run.
	ResultLimit int
	// OutputLimit caps script output in bytes.
	OutputLimit int
	Shell       string
}

// Executor implements engine.Executor.
type Executor struct {
	cfg      Config
	registry *drivers.Registry
	log      logx.Logger
	runners  map[job.Kind]Runner
}

func New(cfg Config, registry *drivers.Registry, log logx.Logger) *Executor {
	if cfg.ResultLimit <= 0 {
		cfg.ResultLimit = DefaultResultLimit
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = 64 << 10
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	e := &Executor{cfg: cfg, registry: registry, log: log}
	e.runners = map[job.Kind]Runner{
		job.KindQuery:  RunnerFunc(e.runQuery),
		job.KindScript: RunnerFunc(e.runScript),
	}
	return e
}

// Execute runs def and never panics.
func (e *Executor) Execute(ctx context.Context, run ledger.Run, def job.Definition) (out engine.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("executor.panic", logx.String("job", def.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out = engine.Outcome{Status: ledger.StateFailed, Err: fmt.Errorf("panic while executing %q: %v", def.Name, r)}
		}
	}()

	r, ok := e.runners[def.Kind]
	if !ok {
		return engine.Outcome{Status: ledger.StateFailed, Err: engine.NoRetry(fmt.Errorf("unsupported job kind %q", def.Kind))}
	}
	rows, err := r.Run(ctx, run, def)
	if err == nil {
		return engine.Outcome{Status: ledger.StateSucceeded, Rows: rows}
	}
	if cause := context.Cause(ctx); engine.IsCancelCause(cause) {
		return engine.Outcome{Status: ledger.StateCancelled, Err: cause}
	}
	return engine.Outcome{Status: ledger.StateFailed, Err: err}
}

func (e *Executor) runQuery(ctx context.Context, _ ledger.Run, def job.Definition) ([]map[string]string, error) {
	if e.registry == nil {
		return nil, engine.NoRetry(errors.New("no driver registry configured"))
	}
	drv, err := e.registry.Get(def.Driver)
	if err != nil {
		return nil, engine.NoRetry(err)
	}
	db, err := e.registry.OpenAs(ctx, drv.Name, def.User, def.Password)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(def.Code) != "" {
		if _, err := db.ExecContext(ctx, def.Code); err != nil {
			return nil, fmt.Errorf("exec %q: %w", def.Name, err)
		}
	}
	if def.ResultQuery == "" {
		return nil, nil
	}
	return e.fetch(ctx, db, drv, def, e.cfg.ResultLimit)
}

// FetchResults runs the driver's result query for def on demand.
func (e *Executor) FetchResults(ctx context.Context, def job.Definition, limit int) ([]map[string]string, error) {
	if def.Kind != job.KindQuery {
		return nil, fmt.Errorf("job %q has no result table", def.Name)
	}
	if e.registry == nil {
		return nil, errors.New("no driver registry configured")
	}
	if limit <= 0 {
		limit = e.cfg.ResultLimit
	}
	drv, err := e.registry.Get(def.Driver)
	if err != nil {
		return nil, err
	}
	db, err := e.registry.OpenAs(ctx, drv.Name, def.User, def.Password)
	if err != nil {
		return nil, err
	}
	return e.fetch(ctx, db, drv, def, limit)
}

func (e *Executor) fetch(ctx context.Context, db *sqlx.DB, drv drivers.Driver, def job.Definition, limit int) ([]map[string]string, error) {
	q := drv.ResultSQL(def.ResultTable, limit)
	rs, err := db.QueryxContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("result query for %q: %w", def.Name, err)
	}
	defer rs.Close()

	var rows []map[string]string
	for rs.Next() {
		m := map[string]any{}
		if err := rs.MapScan(m); err != nil {
			return nil, fmt.Errorf("scan result of %q: %w", def.Name, err)
		}
		rows = append(rows, stringify(m))
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("read result of %q: %w", def.Name, err)
	}
	return rows, nil
}

func stringify(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = formatValue(v)
	}
	return out
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// Columns returns the sorted column names of rows, for rendering.
func Columns(rows []map[string]string) []string {
	seen := map[string]bool{}
	var cols []string
	for _, r := range rows {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}
