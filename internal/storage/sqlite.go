package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"qcron/internal/job"
	logx "qcron/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sqlx.DB
	sb  sq.StatementBuilderType
	log logx.Logger
	now func() time.Time
}

type jobRow struct {
	ID           int64         `db:"id"`
	Name         string        `db:"name"`
	ParentID     sql.NullInt64 `db:"parent_id"`
	Disabled     bool          `db:"disabled"`
	Version      int           `db:"version"`
	LastModified int64         `db:"last_modified"`
	Definition   string        `db:"definition"`
}

type versionRow struct {
	JobID      int64  `db:"job_id"`
	Version    int    `db:"version"`
	CreatedAt  int64  `db:"created_at"`
	Definition string `db:"definition"`
}

var jobColumns = []string{"id", "name", "parent_id", "disabled", "version", "last_modified", "definition"}

func openSQLite(cfg Config, log logx.Logger, opts ...Option) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	o := buildOptions(opts)
	return &sqliteStore{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
		log: log,
		now: o.now,
	}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (r jobRow) definition() (job.Definition, error) {
	var d job.Definition
	if err := json.Unmarshal([]byte(r.Definition), &d); err != nil {
		return job.Definition{}, fmt.Errorf("decode job %d: %w", r.ID, err)
	}
	d.ID = r.ID
	d.Name = r.Name
	d.Disabled = r.Disabled
	d.Version = r.Version
	d.LastModified = time.Unix(0, r.LastModified)
	d.ParentID = nil
	if r.ParentID.Valid {
		p := r.ParentID.Int64
		d.ParentID = &p
	}
	return d, nil
}

func (s *sqliteStore) selectJobs(ctx context.Context, q sqlx.QueryerContext, where sq.Sqlizer) ([]job.Definition, error) {
	b := s.sb.Select(jobColumns...).From("jobs").OrderBy("id")
	if where != nil {
		b = b.Where(where)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []jobRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]job.Definition, 0, len(rows))
	for _, r := range rows {
		d, err := r.definition()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *sqliteStore) getJob(ctx context.Context, q sqlx.QueryerContext, id int64) (job.Definition, error) {
	defs, err := s.selectJobs(ctx, q, sq.Eq{"id": id})
	if err != nil {
		return job.Definition{}, err
	}
	if len(defs) == 0 {
		return job.Definition{}, &job.NotFoundError{ID: id}
	}
	return defs[0], nil
}

func (s *sqliteStore) exists(ctx context.Context, q sqlx.QueryerContext, id int64) (bool, error) {
	query, args, err := s.sb.Select("COUNT(*)").From("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, err
	}
	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) GetAll(ctx context.Context) ([]job.Definition, error) {
	return s.selectJobs(ctx, s.db, nil)
}

func (s *sqliteStore) GetByID(ctx context.Context, id int64) (job.Definition, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *sqliteStore) GetChildren(ctx context.Context, id int64) ([]job.Definition, error) {
	ok, err := s.exists(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &job.NotFoundError{ID: id}
	}
	return s.selectJobs(ctx, s.db, sq.Eq{"parent_id": id})
}

func (s *sqliteStore) Create(ctx context.Context, def job.Definition) (int64, error) {
	def.ID = 0
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := checkDefinition(def, func(id int64) (bool, error) { return s.exists(ctx, tx, id) }); err != nil {
		return 0, err
	}
	def.Version = 1
	def.LastModified = s.now()
	body, err := json.Marshal(def)
	if err != nil {
		return 0, err
	}
	query, args, err := s.sb.Insert("jobs").
		Columns("name", "parent_id", "disabled", "version", "last_modified", "definition").
		Values(def.Name, nullInt(def.ParentID), def.Disabled, def.Version, def.LastModified.UnixNano(), string(body)).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	def.ID = id
	if err := s.insertVersion(ctx, tx, def); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (s *sqliteStore) Update(ctx context.Context, def job.Definition) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.getJob(ctx, tx, def.ID)
	if err != nil {
		return err
	}
	if err := checkDefinition(def, func(id int64) (bool, error) { return s.exists(ctx, tx, id) }); err != nil {
		return err
	}
	def.Version = cur.Version + 1
	def.LastModified = s.now()
	body, err := json.Marshal(def)
	if err != nil {
		return err
	}
	query, args, err := s.sb.Update("jobs").SetMap(map[string]any{
		"name":          def.Name,
		"parent_id":     nullInt(def.ParentID),
		"disabled":      def.Disabled,
		"version":       def.Version,
		"last_modified": def.LastModified.UnixNano(),
		"definition":    string(body),
	}).Where(sq.Eq{"id": def.ID}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update job %d: %w", def.ID, err)
	}
	if err := s.insertVersion(ctx, tx, def); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) insertVersion(ctx context.Context, tx *sqlx.Tx, def job.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return err
	}
	query, args, err := s.sb.Insert("job_versions").
		Columns("job_id", "version", "created_at", "definition").
		Values(def.ID, def.Version, def.LastModified.UnixNano(), string(body)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert version %d of job %d: %w", def.Version, def.ID, err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := s.sb.Delete("jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	for _, table := range []string{"job_versions", "watermarks"} {
		query, args, err := s.sb.Delete(table).Where(sq.Eq{"job_id": id}).ToSql()
		if err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *sqliteStore) GetVersions(ctx context.Context, id int64) ([]job.Version, error) {
	ok, err := s.exists(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &job.NotFoundError{ID: id}
	}
	query, args, err := s.sb.Select("job_id", "version", "created_at", "definition").
		From("job_versions").Where(sq.Eq{"job_id": id}).OrderBy("version").ToSql()
	if err != nil {
		return nil, err
	}
	var rows []versionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]job.Version, 0, len(rows))
	for _, r := range rows {
		var d job.Definition
		if err := json.Unmarshal([]byte(r.Definition), &d); err != nil {
			return nil, fmt.Errorf("decode version %d of job %d: %w", r.Version, id, err)
		}
		out = append(out, job.Version{JobID: r.JobID, Version: r.Version, Definition: d, CreatedAt: time.Unix(0, r.CreatedAt)})
	}
	return out, nil
}

func (s *sqliteStore) GetWatermark(ctx context.Context, jobID int64) (time.Time, bool, error) {
	query, args, err := s.sb.Select("at").From("watermarks").Where(sq.Eq{"job_id": jobID}).ToSql()
	if err != nil {
		return time.Time{}, false, err
	}
	var ns int64
	err = s.db.GetContext(ctx, &ns, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, ns), true, nil
}

func (s *sqliteStore) SetWatermark(ctx context.Context, jobID int64, at time.Time) error {
	query, args, err := s.sb.Insert("watermarks").
		Columns("job_id", "at").
		Values(jobID, at.UnixNano()).
		Suffix("ON CONFLICT(job_id) DO UPDATE SET at = excluded.at").
		ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
