package job

import (
	"errors"
	"regexp"
	"strings"

	"qcron/internal/task/cronspec"
)

var limitRe = regexp.MustCompile(`(?i)\blimit\s+\d+\b`)

// Validate checks a definition before it is persisted. It returns a
// *ValidationError for the first problem found.
func Validate(d Definition) error {
	if strings.TrimSpace(d.Name) == "" {
		return &ValidationError{Field: "name", Msg: "required"}
	}
	if hasControl(d.Name) {
		return &ValidationError{Field: "name", Msg: "must not contain control characters"}
	}
	if strings.TrimSpace(d.User) == "" {
		return &ValidationError{Field: "user", Msg: "required"}
	}
	if !d.Kind.Valid() {
		return &ValidationError{Field: "kind", Msg: "must be query or script"}
	}
	if strings.TrimSpace(d.Cron) == "" {
		return &ValidationError{Field: "cron", Msg: "required"}
	}
	if err := cronspec.Validate(d.Cron); err != nil {
		msg := err.Error()
		var se *cronspec.ScheduleError
		if errors.As(err, &se) {
			msg = se.Msg
			if se.Field != "" {
				msg = se.Field + ": " + se.Msg
			}
		}
		return &ValidationError{Field: "cron", Msg: msg, Err: err}
	}
	if d.Kind == KindQuery {
		if strings.TrimSpace(d.Driver) == "" {
			return &ValidationError{Field: "driver", Msg: "required for query jobs"}
		}
		if strings.TrimSpace(d.ResultTable) == "" {
			return &ValidationError{Field: "result_table", Msg: "required for query jobs"}
		}
	}
	if d.Kind == KindScript && strings.TrimSpace(d.Code) == "" {
		return &ValidationError{Field: "code", Msg: "required for script jobs"}
	}
	if d.ResultQuery != "" && !limitRe.MatchString(d.ResultQuery) {
		return &ValidationError{Field: "result_query", Msg: "must contain LIMIT <n>"}
	}
	for _, to := range d.NotifyTo {
		if strings.TrimSpace(to) == "" {
			return &ValidationError{Field: "notify_to", Msg: "empty address"}
		}
		if hasControl(to) {
			return &ValidationError{Field: "notify_to", Msg: "address must not contain control characters"}
		}
	}
	if d.ParentID != nil && d.ID != 0 && *d.ParentID == d.ID {
		return &ValidationError{Field: "parent_id", Msg: "job cannot be its own parent"}
	}
	return nil
}

// hasControl reports whether v holds a character that could break a mail
// header line.
func hasControl(v string) bool {
	return strings.ContainsFunc(v, func(r rune) bool { return r < 0x20 || r == 0x7f })
}
