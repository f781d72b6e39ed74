// Package job holds the job definition model shared by the store, the
// dispatcher, the worker pool and the front end.
package job

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects how a definition's Code is executed.
type Kind string

const (
	KindQuery  Kind = "query"
	KindScript Kind = "script"
)

func (k Kind) Valid() bool { return k == KindQuery || k == KindScript }

// ParseKind accepts the kind names case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown job kind %q", s)
	}
	return k, nil
}

// Definition describes a recurring job.
type Definition struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	Kind     Kind   `json:"kind"`
	Driver   string `json:"driver,omitempty"`
	Cron     string `json:"cron"`
	Code     string `json:"code,omitempty"`

	ResultTable string   `json:"result_table,omitempty"`
	ResultQuery string   `json:"result_query,omitempty"`
	NotifyTo    []string `json:"notify_to,omitempty"`

	ParentID *int64 `json:"parent_id,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`

	LastModified time.Time `json:"last_modified"`
	Version      int       `json:"version"`
}

// Clone returns a deep copy; definitions cross goroutine boundaries by value
// and the slice/pointer fields must not be shared.
func (d Definition) Clone() Definition {
	out := d
	if d.NotifyTo != nil {
		out.NotifyTo = append([]string(nil), d.NotifyTo...)
	}
	if d.ParentID != nil {
		p := *d.ParentID
		out.ParentID = &p
	}
	return out
}

// Key identifies a definition for queue matching: the id once persisted,
// the name before that.
func (d Definition) Key() string {
	if d.ID != 0 {
		return fmt.Sprintf("#%d", d.ID)
	}
	return "name:" + d.Name
}

// RedactedPassword replaces a non-empty password in redacted copies.
const RedactedPassword = "***"

// Redacted returns a copy safe for logs and listings.
func (d Definition) Redacted() Definition {
	out := d.Clone()
	if out.Password != "" {
		out.Password = RedactedPassword
	}
	return out
}

// Version is one retained revision of a definition.
type Version struct {
	JobID      int64      `json:"job_id"`
	Version    int        `json:"version"`
	Definition Definition `json:"definition"`
	CreatedAt  time.Time  `json:"created_at"`
}
