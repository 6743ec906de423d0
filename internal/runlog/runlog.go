// Package runlog is the audit trail of sync runs.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/mkoziy/vulnsync/internal/models"
)

const (
	DefaultRetain = 1000
	DefaultLimit  = 20
	MaxLimit      = 1000
)

var (
	ErrRunNotFound      = errors.New("sync run not found")
	ErrAlreadyFinished  = errors.New("sync run already finished")
	ErrUnbalancedCounts = errors.New("run counts do not add up to total")
	ErrNotTerminal      = errors.New("finish requires a terminal status")
	// ErrPruneFailed means the write itself committed but retention did not run.
	ErrPruneFailed = errors.New("prune runs")
)

// Log persists runs in the sync_runs table.
type Log struct {
	db     *bun.DB
	retain int
	now    func() time.Time
}

// New creates a run log keeping the most recent retain runs.
func New(db *bun.DB, retain int) *Log {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Log{
		db:     db,
		retain: retain,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Begin records a new run in processing state and commits it before
// returning, so a crash mid-run stays visible.
func (l *Log) Begin(ctx context.Context, source string, trigger models.TriggerType, params any) (*models.SyncRun, error) {
	if !trigger.Valid() {
		return nil, fmt.Errorf("unknown trigger type %q", trigger)
	}

	run := &models.SyncRun{
		RunID:     uuid.NewString(),
		Source:    source,
		Trigger:   trigger,
		Status:    models.StatusProcessing,
		StartedAt: l.now(),
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		s := string(data)
		run.Params = &s
	}

	if _, err := l.db.NewInsert().Model(run).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if err := l.prune(ctx); err != nil {
		return run, err
	}
	return run, nil
}

// Finish moves a processing run to its terminal status. A run can be
// finished once; later calls return ErrAlreadyFinished.
func (l *Log) Finish(ctx context.Context, run *models.SyncRun, status models.RunStatus, message string, counts models.Counts) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %q", ErrNotTerminal, status)
	}
	if !counts.Balanced() {
		return fmt.Errorf("%w: %+v", ErrUnbalancedCounts, counts)
	}

	ended := l.now()
	res, err := l.db.NewUpdate().
		Model((*models.SyncRun)(nil)).
		Set("status = ?", status).
		Set("ended_at = ?", ended).
		Set("message = ?", message).
		Set("total = ?", counts.Total).
		Set("inserted = ?", counts.Inserted).
		Set("updated = ?", counts.Updated).
		Set("skipped_non_matching = ?", counts.SkippedNonMatching).
		Set("skipped_error = ?", counts.SkippedError).
		Where("run_id = ?", run.RunID).
		Where("status = ?", models.StatusProcessing).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		if _, err := l.Get(ctx, run.RunID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, run.RunID)
	}

	run.Status = status
	run.EndedAt = &ended
	run.Message = message
	run.SetCounts(counts)

	return l.prune(ctx)
}

// Get returns one run by its run id.
func (l *Log) Get(ctx context.Context, runID string) (*models.SyncRun, error) {
	run := new(models.SyncRun)
	err := l.db.NewSelect().Model(run).Where("run_id = ?", runID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Recent returns runs newest first. An empty source lists every source.
func (l *Log) Recent(ctx context.Context, source string, limit int) ([]*models.SyncRun, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	runs := make([]*models.SyncRun, 0, limit)
	q := l.db.NewSelect().Model(&runs)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	if err := q.OrderExpr("started_at DESC, id DESC").Limit(limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// RecoverInterrupted fails runs left processing by a previous process.
// It must run before the scheduler starts.
func (l *Log) RecoverInterrupted(ctx context.Context) (int, error) {
	res, err := l.db.NewUpdate().
		Model((*models.SyncRun)(nil)).
		Set("status = ?", models.StatusFailure).
		Set("ended_at = ?", l.now()).
		Set("message = ?", "interrupted before completion").
		Set("total = 0, inserted = 0, updated = 0, skipped_non_matching = 0, skipped_error = 0").
		Where("status = ?", models.StatusProcessing).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover runs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// prune drops finished runs beyond the retention cap.
func (l *Log) prune(ctx context.Context) error {
	keep := l.db.NewSelect().
		Model((*models.SyncRun)(nil)).
		Column("id").
		OrderExpr("started_at DESC, id DESC").
		Limit(l.retain)

	_, err := l.db.NewDelete().
		Model((*models.SyncRun)(nil)).
		Where("status != ?", models.StatusProcessing).
		Where("id NOT IN (?)", keep).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPruneFailed, err)
	}
	return nil
}
