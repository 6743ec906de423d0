// Package ingest writes canonical records to the store in fixed-size,
// independently committed batches.
//
// A batch is one transaction. When it fails, its records are retried one per
// transaction so a single bad record only costs itself. Cancellation is
// observed between batches; a batch that has started is always finished.
package ingest

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/models"
)

const (
	DefaultBatchSize = 1000
	maxFailures      = 100
)

// Writer persists records into one table.
type Writer interface {
	Table() string
	Existing(ctx context.Context, db bun.IDB, ids []string) (map[string]struct{}, error)
	Upsert(ctx context.Context, db bun.IDB, recs []*models.Record) error
}

// PersistenceError is a record the store refused.
type PersistenceError struct {
	ID    string
	Table string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s into %s: %v", e.ID, e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Stats aggregates the outcome of one Ingest call.
type Stats struct {
	Inserted        int
	Updated         int
	SkippedError    int
	Batches         int
	FallbackBatches int
	// Failures holds the first refused records.
	Failures []*PersistenceError
}

// Processed is the number of records given a final outcome.
func (s Stats) Processed() int {
	return s.Inserted + s.Updated + s.SkippedError
}

func (s *Stats) fail(pe *PersistenceError, n int) {
	s.SkippedError += n
	if len(s.Failures) < maxFailures {
		s.Failures = append(s.Failures, pe)
	}
}

// Ingestor upserts records through a Writer.
type Ingestor struct {
	db        *bun.DB
	batchSize int
	logger    *zap.Logger
}

// New creates an ingestor; batchSize <= 0 uses DefaultBatchSize.
func New(db *bun.DB, batchSize int, logger *zap.Logger) *Ingestor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{db: db, batchSize: batchSize, logger: logger}
}

// BatchSize returns the configured batch size.
func (in *Ingestor) BatchSize() int { return in.batchSize }

// Ingest writes recs and returns the aggregate outcome. When a record id
// repeats, the last record wins and the earlier ones share its outcome,
// counted as updates when it was stored. On cancellation the stats cover
// the batches committed so far and the context error is returned.
func (in *Ingestor) Ingest(ctx context.Context, w Writer, recs []*models.Record) (Stats, error) {
	var stats Stats
	recs, extra := dedupe(recs)

	valid := recs[:0:0]
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			stats.fail(&PersistenceError{ID: r.ID, Table: w.Table(), Err: err}, 1+extra[r.ID])
			continue
		}
		valid = append(valid, r)
	}

	for start := 0; start < len(valid); start += in.batchSize {
		if err := ctx.Err(); err != nil {
			in.logger.Info("ingest cancelled between batches",
				zap.String("table", w.Table()), zap.Int("done", start), zap.Int("total", len(valid)))
			return stats, err
		}

		end := min(start+in.batchSize, len(valid))
		batch := valid[start:end]
		stats.Batches++

		existing, err := in.writeBatch(ctx, w, batch)
		if err == nil {
			for _, r := range batch {
				in.count(&stats, r.ID, existing, extra)
			}
			continue
		}

		stats.FallbackBatches++
		in.logger.Warn("batch upsert failed, retrying records individually",
			zap.String("table", w.Table()), zap.Int("offset", start), zap.Int("size", len(batch)), zap.Error(err))

		for _, r := range batch {
			existing, err := in.writeBatch(ctx, w, []*models.Record{r})
			if err != nil {
				stats.fail(&PersistenceError{ID: r.ID, Table: w.Table(), Err: err}, 1+extra[r.ID])
				in.logger.Debug("record skipped", zap.String("id", r.ID), zap.Error(err))
				continue
			}
			in.count(&stats, r.ID, existing, extra)
		}
	}

	return stats, nil
}

func (in *Ingestor) count(stats *Stats, id string, existing map[string]struct{}, extra map[string]int) {
	if _, ok := existing[id]; ok {
		stats.Updated++
	} else {
		stats.Inserted++
	}
	stats.Updated += extra[id]
}

// writeBatch commits batch in one transaction and reports which ids existed
// beforehand. The transaction ignores cancellation of ctx.
func (in *Ingestor) writeBatch(ctx context.Context, w Writer, batch []*models.Record) (map[string]struct{}, error) {
	ids := make([]string, len(batch))
	for i, r := range batch {
		ids[i] = r.ID
	}

	var existing map[string]struct{}
	err := in.db.RunInTx(context.WithoutCancel(ctx), nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		existing, err = w.Existing(ctx, tx, ids)
		if err != nil {
			return fmt.Errorf("select existing: %w", err)
		}
		if err := w.Upsert(ctx, tx, batch); err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		return nil
	})
	return existing, err
}

// dedupe keeps the last record per id, in order, and counts the dropped ones.
func dedupe(recs []*models.Record) ([]*models.Record, map[string]int) {
	last := make(map[string]int, len(recs))
	for i, r := range recs {
		last[r.ID] = i
	}
	extra := make(map[string]int)
	out := make([]*models.Record, 0, len(last))
	for i, r := range recs {
		if last[r.ID] == i {
			out = append(out, r)
			continue
		}
		extra[r.ID]++
	}
	return out, extra
}
