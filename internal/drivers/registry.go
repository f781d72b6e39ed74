// Package drivers maps driver names to database/sql backends and keeps one
// pooled connection per backend.
package drivers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const DefaultResultQuery = "SELECT * FROM %s LIMIT %d"

var (
	ErrUnknownDriver = errors.New("unknown driver")
	ErrClosed        = errors.New("driver registry closed")
	ErrBadCredential = errors.New("credential not allowed in target")
)

// Driver describes one backend data source.
//
// Target may contain {user} and {password} placeholders; they are filled
// from the job's credentials and each distinct user and password pair gets
// its own pool. In URL targets the values are percent-encoded; other
// targets only accept values without separators or quoting characters.
type Driver struct {
	Name        string `json:"name"`
	Transport   string `json:"transport"`
	ResultQuery string `json:"result_query"`
	Target      string `json:"target"`
}

// Info is the public listing shape. The connection string is reported with
// any credentials removed.
type Info struct {
	Name          string `json:"name"`
	DriverName    string `json:"driverName"`
	ResultQuery   string `json:"resultQuery"`
	ConnectionURL string `json:"connectionUrl"`
}

func (d Driver) Info() Info {
	return Info{
		Name:          d.Name,
		DriverName:    d.Transport,
		ResultQuery:   d.ResultQuery,
		ConnectionURL: maskPassword(d.Target),
	}
}

func (d Driver) templated() bool {
	return strings.Contains(d.Target, "{user}") || strings.Contains(d.Target, "{password}")
}

// ResultSQL renders the result-fetch statement for table.
func (d Driver) ResultSQL(table string, limit int) string {
	return fmt.Sprintf(d.ResultQuery, table, limit)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	drivers map[string]Driver
	pools   map[string]*sqlx.DB
	closed  bool
}

func NewRegistry(list []Driver) (*Registry, error) {
	r := &Registry{
		drivers: make(map[string]Driver, len(list)),
		pools:   make(map[string]*sqlx.DB),
	}
	for i, d := range list {
		d.Name = strings.TrimSpace(d.Name)
		d.Transport = strings.TrimSpace(d.Transport)
		if d.Name == "" {
			return nil, fmt.Errorf("drivers[%d]: name required", i)
		}
		if _, dup := r.drivers[d.Name]; dup {
			return nil, fmt.Errorf("drivers[%d]: duplicate name %q", i, d.Name)
		}
		if d.Transport == "" {
			return nil, fmt.Errorf("driver %q: transport required", d.Name)
		}
		if strings.TrimSpace(d.Target) == "" {
			return nil, fmt.Errorf("driver %q: target required", d.Name)
		}
		if d.ResultQuery == "" {
			d.ResultQuery = DefaultResultQuery
		}
		if err := checkTemplate(d.ResultQuery); err != nil {
			return nil, fmt.Errorf("driver %q: %w", d.Name, err)
		}
		r.drivers[d.Name] = d
	}
	return r, nil
}

func checkTemplate(tpl string) error {
	s := strings.Index(tpl, "%s")
	d := strings.Index(tpl, "%d")
	if s < 0 || d < 0 || d < s {
		return fmt.Errorf("result query %q must contain %%s (table) followed by %%d (limit)", tpl)
	}
	return nil
}

// List returns the drivers sorted by name.
func (r *Registry) List() []Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Get(name string) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[name]
	if !ok {
		return Driver{}, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return d, nil
}

// Open returns the shared pool for name.
func (r *Registry) Open(ctx context.Context, name string) (*sqlx.DB, error) {
	return r.OpenAs(ctx, name, "", "")
}

// OpenAs returns the pool for name, filling credential placeholders of the
// target. The first open of a pool is verified with a ping; failed pools
// are not cached.
func (r *Registry) OpenAs(ctx context.Context, name, user, password string) (*sqlx.DB, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	d, ok := r.drivers[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	key := name
	dsn := d.Target
	if d.templated() {
		var err error
		if dsn, err = fillTarget(d.Target, user, password); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("driver %q: %w", name, err)
		}
		key = poolKey(name, user, password)
	}
	if db, ok := r.pools[key]; ok {
		r.mu.Unlock()
		return db, nil
	}
	r.mu.Unlock()

	db, err := sqlx.Open(d.Transport, dsn)
	if err != nil {
		return nil, fmt.Errorf("open driver %q: %w", name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping driver %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = db.Close()
		return nil, ErrClosed
	}
	if existing, ok := r.pools[key]; ok {
		// Lost a race with a concurrent open.
		_ = db.Close()
		return existing, nil
	}
	r.pools[key] = db
	return db, nil
}

// Close closes every pool. Further opens fail with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = map[string]*sqlx.DB{}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, db := range pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func poolKey(name, user, password string) string {
	sum := sha256.Sum256([]byte(password))
	return name + "\x00" + user + "\x00" + hex.EncodeToString(sum[:8])
}

// fillTarget substitutes the credential placeholders of target.
func fillTarget(target, user, password string) (string, error) {
	esc := func(v string) (string, error) {
		return strings.ReplaceAll(url.QueryEscape(v), "+", "%20"), nil
	}
	if !strings.Contains(target, "://") {
		esc = func(v string) (string, error) {
			if v == ".." || strings.ContainsAny(v, " \t\r\n'\"\\/=?#@;&:") {
				return "", fmt.Errorf("%w: %q", ErrBadCredential, v)
			}
			for _, c := range v {
				if c < 0x20 || c == 0x7f {
					return "", fmt.Errorf("%w: control character", ErrBadCredential)
				}
			}
			return v, nil
		}
	}
	u, err := esc(user)
	if err != nil {
		return "", err
	}
	p, err := esc(password)
	if err != nil {
		return "", err
	}
	return strings.NewReplacer("{user}", u, "{password}", p).Replace(target), nil
}

func maskPassword(target string) string {
	if i := strings.Index(target, "://"); i >= 0 {
		rest := target[i+3:]
		if at := strings.Index(rest, "@"); at >= 0 {
			cred := rest[:at]
			if c := strings.Index(cred, ":"); c >= 0 {
				return target[:i+3] + cred[:c] + ":***" + rest[at:]
			}
		}
	}
	return target
}
