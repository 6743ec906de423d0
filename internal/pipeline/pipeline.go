// Package pipeline runs one source end to end: fetch a snapshot, select the
// rows to ingest, map them, write them, and record the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/diff"
	"github.com/mkoziy/vulnsync/internal/ingest"
	"github.com/mkoziy/vulnsync/internal/mapping"
	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/runlog"
	"github.com/mkoziy/vulnsync/internal/snapshot"
)

// ErrUnknownSource is returned for a source that was never registered.
var ErrUnknownSource = errors.New("unknown source")

// Params narrow a single run.
type Params struct {
	Start time.Time `json:"start_date,omitzero"`
	End   time.Time `json:"end_date,omitzero"`
	File  string    `json:"file,omitempty"`
	// Full ingests every row instead of the diff against the last snapshot.
	Full bool `json:"full,omitempty"`
	// Trigger is set by the pipeline from the run.
	Trigger models.TriggerType `json:"-"`
}

// Source produces snapshots of one feed.
type Source interface {
	Name() string
	Schema() *mapping.Schema
	FetchSnapshot(ctx context.Context, params Params) (*snapshot.Snapshot, error)
}

// RunLog persists run rows. *runlog.Log implements it.
type RunLog interface {
	Begin(ctx context.Context, source string, trigger models.TriggerType, params any) (*models.SyncRun, error)
	Finish(ctx context.Context, run *models.SyncRun, status models.RunStatus, message string, counts models.Counts) error
}

// Recorder observes run outcomes.
type Recorder interface {
	RunStarted(source string)
	RunFinished(run *models.SyncRun)
}

// Target binds a source to the table it feeds.
type Target struct {
	Source Source
	Writer ingest.Writer
	// Diff limits ingestion to rows absent from the last committed snapshot.
	Diff bool
}

// Deps are the collaborators shared by every target.
type Deps struct {
	Mapper    *mapping.Mapper
	Ingestor  *ingest.Ingestor
	Runs      RunLog
	Snapshots *snapshot.Store
	Recorder  Recorder
	Logger    *zap.Logger
}

// Pipeline executes registered targets.
type Pipeline struct {
	deps Deps

	mu      sync.RWMutex
	targets map[string]Target
}

// New creates a pipeline with no targets.
func New(deps Deps) *Pipeline {
	if deps.Mapper == nil {
		deps.Mapper = mapping.NewMapper(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, targets: make(map[string]Target)}
}

// Register adds a target under its source name.
func (p *Pipeline) Register(t Target) error {
	if t.Source == nil || t.Writer == nil {
		return errors.New("target needs a source and a writer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	name := t.Source.Name()
	if _, dup := p.targets[name]; dup {
		return fmt.Errorf("source %q registered twice", name)
	}
	p.targets[name] = t
	return nil
}

// Sources returns the registered source names, sorted.
func (p *Pipeline) Sources() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.targets))
	for name := range p.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether source is registered.
func (p *Pipeline) Has(source string) bool {
	_, ok := p.target(source)
	return ok
}

func (p *Pipeline) target(source string) (Target, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.targets[source]
	return t, ok
}

// Begin records a processing run for source.
func (p *Pipeline) Begin(ctx context.Context, source string, trigger models.TriggerType, params Params) (*models.SyncRun, error) {
	if !p.Has(source) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	run, err := p.deps.Runs.Begin(ctx, source, trigger, params)
	if errors.Is(err, runlog.ErrPruneFailed) && run != nil {
		p.deps.Logger.Warn("run log retention failed", zap.String("source", source), zap.Error(err))
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if p.deps.Recorder != nil {
		p.deps.Recorder.RunStarted(source)
	}
	return run, nil
}

// Run begins and executes a run synchronously.
func (p *Pipeline) Run(ctx context.Context, source string, trigger models.TriggerType, params Params) (*models.SyncRun, error) {
	run, err := p.Begin(ctx, source, trigger, params)
	if err != nil {
		return nil, err
	}
	return run, p.Execute(ctx, run, params)
}

// Execute drives a begun run to its terminal status. The returned error
// is the cause of a failed run; the run itself is always finished unless
// the run log cannot be written.
func (p *Pipeline) Execute(ctx context.Context, run *models.SyncRun, params Params) error {
	t, ok := p.target(run.Source)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownSource, run.Source)
		return p.finish(ctx, run, models.StatusFailure, err.Error(), models.Counts{}, err)
	}

	logger := p.deps.Logger.With(zap.String("source", run.Source), zap.String("run_id", run.RunID))
	logger.Info("sync started", zap.String("trigger", string(run.Trigger)))

	params.Trigger = run.Trigger
	snap, err := t.Source.FetchSnapshot(ctx, params)
	if err != nil {
		return p.finish(ctx, run, models.StatusFailure, "fetch failed: "+err.Error(), models.Counts{}, err)
	}

	schema := t.Source.Schema()
	cols, err := schema.Resolve(snap.Header)
	if err != nil {
		return p.finish(ctx, run, models.StatusFailure, "snapshot unusable: "+err.Error(), models.Counts{}, err)
	}

	changes, err := p.changes(t, snap, params)
	if err != nil {
		return p.finish(ctx, run, models.StatusFailure, err.Error(), models.Counts{}, err)
	}
	logger.Info("change set computed",
		zap.String("mode", string(changes.Mode)), zap.Int("rows", len(changes.Rows)),
		zap.Int("snapshot_rows", snap.Len()), zap.Int("superseded", changes.Superseded))

	var (
		counts  models.Counts
		records = make([]*models.Record, 0, len(changes.Rows))
	)
	for _, row := range changes.Rows {
		rec, err := p.deps.Mapper.Map(row, cols)
		switch {
		case err == nil:
			records = append(records, rec)
		case errors.Is(err, mapping.ErrInvalidIdentifier):
			counts.SkippedNonMatching++
		default:
			counts.SkippedError++
			logger.Debug("row skipped", zap.Error(err))
		}
	}

	stats, err := p.deps.Ingestor.Ingest(ctx, t.Writer, records)
	counts.Inserted = stats.Inserted
	counts.Updated = stats.Updated
	counts.SkippedError += stats.SkippedError
	counts.Total = counts.Inserted + counts.Updated + counts.SkippedNonMatching + counts.SkippedError
	for _, f := range stats.Failures {
		logger.Warn("record not stored", zap.String("id", f.ID), zap.Error(f.Err))
	}

	if err != nil {
		msg := "ingest failed: " + err.Error()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			msg = "cancelled"
		}
		return p.finish(ctx, run, models.StatusFailure, msg, counts, err)
	}

	if p.deps.Snapshots != nil {
		if path, err := p.deps.Snapshots.Commit(snap); err != nil {
			logger.Warn("snapshot not committed", zap.Error(err))
		} else {
			logger.Debug("snapshot committed", zap.String("path", path))
		}
	}

	msg := fmt.Sprintf("%d inserted, %d updated, %d skipped non-matching, %d skipped error",
		counts.Inserted, counts.Updated, counts.SkippedNonMatching, counts.SkippedError)
	return p.finish(ctx, run, models.StatusSuccess, msg, counts, nil)
}

// changes selects the rows to ingest.
func (p *Pipeline) changes(t Target, snap *snapshot.Snapshot, params Params) (diff.ChangeSet, error) {
	schema := t.Source.Schema()
	if !t.Diff || params.Full || p.deps.Snapshots == nil {
		return diff.All(snap, schema), nil
	}
	prev, err := p.deps.Snapshots.Latest(snap.Source)
	if err != nil {
		return diff.ChangeSet{}, fmt.Errorf("load previous snapshot: %w", err)
	}
	return diff.Diff(prev, snap, schema), nil
}

// finish writes the terminal status. It survives cancellation of ctx so a
// cancelled run is still recorded.
func (p *Pipeline) finish(ctx context.Context, run *models.SyncRun, status models.RunStatus, msg string, counts models.Counts, cause error) error {
	logger := p.deps.Logger.With(zap.String("source", run.Source), zap.String("run_id", run.RunID))

	err := p.deps.Runs.Finish(context.WithoutCancel(ctx), run, status, msg, counts)
	switch {
	case errors.Is(err, runlog.ErrPruneFailed):
		logger.Warn("run log retention failed", zap.Error(err))
	case err != nil:
		logger.Error("run not finalized", zap.Error(err))
		// The row stays processing; observers still see the run end.
		ended := time.Now().UTC()
		run.Status, run.Message, run.EndedAt = status, msg, &ended
		run.SetCounts(counts)
		if p.deps.Recorder != nil {
			p.deps.Recorder.RunFinished(run)
		}
		if cause != nil {
			return errors.Join(cause, err)
		}
		return err
	}

	if p.deps.Recorder != nil {
		p.deps.Recorder.RunFinished(run)
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("total", counts.Total),
		zap.Int("inserted", counts.Inserted),
		zap.Int("updated", counts.Updated),
		zap.Int("skipped_non_matching", counts.SkippedNonMatching),
		zap.Int("skipped_error", counts.SkippedError),
		zap.Duration("duration", run.Duration()),
	}
	if cause != nil {
		logger.Error("sync failed", append(fields, zap.Error(cause))...)
	} else {
		logger.Info("sync finished", fields...)
	}
	return cause
}
