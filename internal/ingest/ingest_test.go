package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/database"
	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/repositories"
)

func openDB(t *testing.T) *bun.DB {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), false)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func record(id, vendor string) *models.Record {
	return &models.Record{
		ID:          id,
		PublishedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Vendor:      vendor,
		Description: "description of " + id,
	}
}

func TestIngestInsertThenUpdate(t *testing.T) {
	db := openDB(t)
	in := New(db, 2, zap.NewNop())
	ctx := context.Background()

	stats, err := in.Ingest(ctx, repositories.CatalogRepository{}, []*models.Record{
		record("CVE-2024-0001", "a"), record("CVE-2024-0002", "b"), record("CVE-2024-0003", "c"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Inserted != 3 || stats.Updated != 0 || stats.Batches != 2 {
		t.Fatalf("unexpected first stats: %+v", stats)
	}

	stats, err = in.Ingest(ctx, repositories.CatalogRepository{}, []*models.Record{
		record("CVE-2024-0002", "changed"), record("CVE-2024-0004", "d"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Inserted != 1 || stats.Updated != 1 {
		t.Fatalf("unexpected second stats: %+v", stats)
	}

	entry, err := repositories.GetCatalogEntry(ctx, db, "CVE-2024-0002")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Vendor != "changed" {
		t.Fatalf("expected updated vendor, got %q", entry.Vendor)
	}
	if n, _ := repositories.CountCatalogEntries(ctx, db); n != 4 {
		t.Fatalf("expected 4 entries, got %d", n)
	}
}

func TestIngestIsolatesBadRecord(t *testing.T) {
	db := openDB(t)
	in := New(db, 1000, zap.NewNop())

	recs := make([]*models.Record, 1000)
	for i := range recs {
		recs[i] = record(fmt.Sprintf("CVE-2024-%04d", i+1), "vendor")
		recs[i].SeverityScore = nil
	}
	recs[500].Vendor = strings.Repeat("v", 300)

	stats, err := in.Ingest(context.Background(), repositories.CVERepository{}, recs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Inserted+stats.Updated != 999 || stats.SkippedError != 1 {
		t.Fatalf("expected 999 written and 1 skipped, got %+v", stats)
	}
	if stats.FallbackBatches != 1 {
		t.Fatalf("expected one fallback batch, got %d", stats.FallbackBatches)
	}
	if len(stats.Failures) != 1 || stats.Failures[0].ID != "CVE-2024-0501" {
		t.Fatalf("unexpected failures: %+v", stats.Failures)
	}
	if n, _ := repositories.CountCVEs(context.Background(), db); n != 999 {
		t.Fatalf("expected 999 stored rows, got %d", n)
	}
}

func TestIngestDuplicateIDsLastWins(t *testing.T) {
	db := openDB(t)
	in := New(db, 10, zap.NewNop())
	ctx := context.Background()

	stats, err := in.Ingest(ctx, repositories.CVERepository{}, []*models.Record{
		record("CVE-2024-0001", "first"), record("CVE-2024-0002", "x"), record("CVE-2024-0001", "second"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Inserted != 2 || stats.Updated != 1 || stats.Processed() != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	cve, err := repositories.GetCVE(ctx, db, "CVE-2024-0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cve.Vendor != "second" {
		t.Fatalf("expected later record to win, got %q", cve.Vendor)
	}
}

func TestIngestRejectsInvalidRecords(t *testing.T) {
	db := openDB(t)
	in := New(db, 10, zap.NewNop())

	bad := record("CVE-2024-0002", "x")
	bad.PublishedAt = time.Time{}
	stats, err := in.Ingest(context.Background(), repositories.CVERepository{}, []*models.Record{record("CVE-2024-0001", "x"), bad})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Inserted != 1 || stats.SkippedError != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// cancellingWriter cancels the run after its first successful upsert.
type cancellingWriter struct {
	repositories.CVERepository
	cancel context.CancelFunc
	calls  int
}

func (w *cancellingWriter) Upsert(ctx context.Context, db bun.IDB, recs []*models.Record) error {
	w.calls++
	if err := w.CVERepository.Upsert(ctx, db, recs); err != nil {
		return err
	}
	w.cancel()
	return nil
}

func TestIngestStopsBetweenBatches(t *testing.T) {
	db := openDB(t)
	in := New(db, 2, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &cancellingWriter{cancel: cancel}
	recs := []*models.Record{
		record("CVE-2024-0001", "a"), record("CVE-2024-0002", "a"), record("CVE-2024-0003", "a"),
		record("CVE-2024-0004", "a"), record("CVE-2024-0005", "a"),
	}
	stats, err := in.Ingest(ctx, w, recs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if w.calls != 1 || stats.Inserted != 2 {
		t.Fatalf("expected the first batch to commit and stop, got calls=%d stats=%+v", w.calls, stats)
	}
	if n, _ := repositories.CountCVEs(context.Background(), db); n != 2 {
		t.Fatalf("expected first batch committed, got %d rows", n)
	}
}

// failingWriter refuses any batch containing a poisoned id.
type failingWriter struct {
	repositories.CatalogRepository
	poison map[string]bool
}

func (w failingWriter) Upsert(ctx context.Context, db bun.IDB, recs []*models.Record) error {
	for _, r := range recs {
		if w.poison[r.ID] {
			return errors.New("encoding rejected")
		}
	}
	return w.CatalogRepository.Upsert(ctx, db, recs)
}

func TestIngestFailureDoesNotAbortLaterBatches(t *testing.T) {
	db := openDB(t)
	in := New(db, 2, zap.NewNop())

	w := failingWriter{poison: map[string]bool{"CVE-2024-0001": true, "CVE-2024-0002": true}}
	stats, err := in.Ingest(context.Background(), w, []*models.Record{
		record("CVE-2024-0001", "a"), record("CVE-2024-0002", "a"),
		record("CVE-2024-0003", "a"), record("CVE-2024-0004", "a"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.SkippedError != 2 || stats.Inserted != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	var pe *PersistenceError
	if !errors.As(stats.Failures[0], &pe) || pe.Table != "kev_catalog" {
		t.Fatalf("expected persistence error, got %v", stats.Failures[0])
	}
}
