package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Counts are the per-run record tallies.
type Counts struct {
	Total              int `json:"total"`
	Inserted           int `json:"inserted"`
	Updated            int `json:"updated"`
	SkippedNonMatching int `json:"skipped_non_matching"`
	SkippedError       int `json:"skipped_error"`
}

// Balanced reports whether every counted record has exactly one outcome.
func (c Counts) Balanced() bool {
	return c.Total == c.Inserted+c.Updated+c.SkippedNonMatching+c.SkippedError
}

// SyncRun tracks one execution of the sync pipeline and its outcome.
type SyncRun struct {
	bun.BaseModel `bun:"table:sync_runs,alias:sr"`

	ID                 int64       `bun:"id,pk,autoincrement" json:"-"`
	RunID              string      `bun:"run_id,unique,notnull" json:"run_id"`
	Source             string      `bun:"source,notnull" json:"source"`
	Trigger            TriggerType `bun:"trigger_type,notnull" json:"trigger_type"`
	Status             RunStatus   `bun:"status,notnull" json:"status"`
	StartedAt          time.Time   `bun:"started_at,notnull" json:"started_at"`
	EndedAt            *time.Time  `bun:"ended_at" json:"ended_at,omitempty"`
	Message            string      `bun:"message" json:"message"`
	Params             *string     `bun:"params" json:"params,omitempty"`
	Total              int         `bun:"total,notnull,default:0" json:"total"`
	Inserted           int         `bun:"inserted,notnull,default:0" json:"inserted"`
	Updated            int         `bun:"updated,notnull,default:0" json:"updated"`
	SkippedNonMatching int         `bun:"skipped_non_matching,notnull,default:0" json:"skipped_non_matching"`
	SkippedError       int         `bun:"skipped_error,notnull,default:0" json:"skipped_error"`
	CreatedAt          time.Time   `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// Counts returns the run's tallies.
func (r *SyncRun) Counts() Counts {
	return Counts{
		Total:              r.Total,
		Inserted:           r.Inserted,
		Updated:            r.Updated,
		SkippedNonMatching: r.SkippedNonMatching,
		SkippedError:       r.SkippedError,
	}
}

// SetCounts copies c onto the run.
func (r *SyncRun) SetCounts(c Counts) {
	r.Total = c.Total
	r.Inserted = c.Inserted
	r.Updated = c.Updated
	r.SkippedNonMatching = c.SkippedNonMatching
	r.SkippedError = c.SkippedError
}

// Duration is the elapsed time of a finished run, zero while processing.
func (r *SyncRun) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
