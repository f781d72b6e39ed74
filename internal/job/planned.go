package job

import "time"

// Planned is one intended execution of a definition at a due time.
type Planned struct {
	Job     Definition `json:"job"`
	At      time.Time  `json:"at"`
	Attempt int        `json:"attempt"`
}

// NewPlanned returns a first attempt for def at at.
func NewPlanned(def Definition, at time.Time) Planned {
	return Planned{Job: def.Clone(), At: at, Attempt: 1}
}

// Same reports whether p and o denote the same planned execution
// (same job and instant). Attempt is not part of the identity.
func (p Planned) Same(o Planned) bool {
	return p.Job.Key() == o.Job.Key() && p.At.Equal(o.At)
}

// Retry returns the next attempt of p, due at at.
func (p Planned) Retry(at time.Time) Planned {
	return Planned{Job: p.Job.Clone(), At: at, Attempt: p.Attempt + 1}
}

// FutureRun is a projected execution time.
type FutureRun struct {
	Name  string    `json:"name"`
	JobID int64     `json:"job_id"`
	At    time.Time `json:"at"`
}
