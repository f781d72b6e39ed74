package job

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
)

// ValidationError reports the first invalid field of a definition.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid job: " + e.Msg
	}
	return fmt.Sprintf("invalid job: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// NotFoundError is returned for unknown job ids.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("job %d not found", e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IsNotFound reports whether err denotes an unknown job.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
