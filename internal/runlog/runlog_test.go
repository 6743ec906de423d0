package runlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/vulnsync/internal/database"
	"github.com/mkoziy/vulnsync/internal/models"
)

func openDB(t *testing.T) *bun.DB {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"), false)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// steppingClock returns a clock advancing one minute per call.
func steppingClock() func() time.Time {
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t0 = t0.Add(time.Minute)
		return t0
	}
}

func TestBeginPersistsProcessingRun(t *testing.T) {
	l := New(openDB(t), 10)
	ctx := context.Background()

	run, err := l.Begin(ctx, "kev", models.TriggerManual, map[string]string{"file": "x.csv"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.RunID == "" {
		t.Fatalf("expected run id")
	}

	got, err := l.Get(ctx, run.RunID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.StatusProcessing || got.Source != "kev" || got.Trigger != models.TriggerManual {
		t.Fatalf("unexpected stored run: %+v", got)
	}
	if got.Params == nil || *got.Params != `{"file":"x.csv"}` {
		t.Fatalf("unexpected params: %v", got.Params)
	}

	if _, err := l.Begin(ctx, "kev", "cron", nil); err == nil {
		t.Fatalf("expected error for unknown trigger")
	}
}

func TestFinishOnce(t *testing.T) {
	l := New(openDB(t), 10)
	ctx := context.Background()

	run, err := l.Begin(ctx, "nvd", models.TriggerAuto, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts := models.Counts{Total: 5, Inserted: 2, Updated: 1, SkippedNonMatching: 1, SkippedError: 1}
	if err := l.Finish(ctx, run, models.StatusSuccess, "done", counts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Finish(ctx, run, models.StatusFailure, "again", models.Counts{}); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("expected ErrAlreadyFinished, got %v", err)
	}

	got, err := l.Get(ctx, run.RunID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.StatusSuccess || got.Message != "done" || got.Counts() != counts || got.EndedAt == nil {
		t.Fatalf("unexpected finished run: %+v", got)
	}
}

func TestFinishValidates(t *testing.T) {
	l := New(openDB(t), 10)
	ctx := context.Background()
	run, _ := l.Begin(ctx, "kev", models.TriggerAuto, nil)

	if err := l.Finish(ctx, run, models.StatusSuccess, "", models.Counts{Total: 3, Inserted: 1}); !errors.Is(err, ErrUnbalancedCounts) {
		t.Fatalf("expected ErrUnbalancedCounts, got %v", err)
	}
	if err := l.Finish(ctx, run, models.StatusProcessing, "", models.Counts{}); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
	missing := &models.SyncRun{RunID: "does-not-exist"}
	if err := l.Finish(ctx, missing, models.StatusFailure, "", models.Counts{}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := l.Get(ctx, "does-not-exist"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRecentAndRetention(t *testing.T) {
	l := New(openDB(t), 3)
	l.now = steppingClock()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		source := "kev"
		if i%2 == 1 {
			source = "nvd"
		}
		run, err := l.Begin(ctx, source, models.TriggerAuto, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := l.Finish(ctx, run, models.StatusSuccess, "", models.Counts{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, run.RunID)
	}

	runs, err := l.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected retention to keep 3 runs, got %d", len(runs))
	}
	for i, want := range []string{ids[4], ids[3], ids[2]} {
		if runs[i].RunID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, runs[i].RunID)
		}
	}

	kev, err := l.Recent(ctx, "kev", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kev) != 2 || kev[0].RunID != ids[4] || kev[1].RunID != ids[2] {
		t.Fatalf("unexpected kev runs: %+v", kev)
	}
}

func TestRetentionKeepsProcessingRuns(t *testing.T) {
	l := New(openDB(t), 1)
	l.now = steppingClock()
	ctx := context.Background()

	first, _ := l.Begin(ctx, "kev", models.TriggerAuto, nil)
	if _, err := l.Begin(ctx, "nvd", models.TriggerAuto, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Get(ctx, first.RunID); err != nil {
		t.Fatalf("expected processing run to survive pruning: %v", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	l := New(openDB(t), 10)
	ctx := context.Background()

	stale, _ := l.Begin(ctx, "kev", models.TriggerAuto, nil)
	n, err := l.RecoverInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one recovered run, got %d %v", n, err)
	}
	got, _ := l.Get(ctx, stale.RunID)
	if got.Status != models.StatusFailure || !got.Counts().Balanced() {
		t.Fatalf("unexpected recovered run: %+v", got)
	}
	if err := l.Finish(ctx, stale, models.StatusSuccess, "", models.Counts{}); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("expected recovered run to be final, got %v", err)
	}
}
