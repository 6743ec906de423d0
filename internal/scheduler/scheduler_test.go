package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/pipeline"
)

// fakeRunner blocks each run until release is closed or ctx ends.
type fakeRunner struct {
	release chan struct{}
	begun   atomic.Int32

	mu       sync.Mutex
	finished []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{})}
}

func (f *fakeRunner) Has(source string) bool { return source == "kev" || source == "nvd" }

func (f *fakeRunner) Begin(ctx context.Context, source string, trigger models.TriggerType, _ pipeline.Params) (*models.SyncRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := f.begun.Add(1)
	return &models.SyncRun{RunID: fmt.Sprintf("%s-%d", source, n), Source: source, Trigger: trigger, Status: models.StatusProcessing}, nil
}

func (f *fakeRunner) Execute(ctx context.Context, run *models.SyncRun, _ pipeline.Params) error {
	var err error
	select {
	case <-f.release:
		run.Status = models.StatusSuccess
	case <-ctx.Done():
		run.Status = models.StatusFailure
		err = ctx.Err()
	}
	now := time.Now()
	run.EndedAt = &now

	f.mu.Lock()
	f.finished = append(f.finished, run.RunID)
	f.mu.Unlock()
	return err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newScheduler(t *testing.T, runner Runner, jobs ...Job) *Scheduler {
	t.Helper()
	if len(jobs) == 0 {
		jobs = []Job{{Source: "kev"}, {Source: "nvd"}}
	}
	s, err := New(runner, jobs, zap.NewNop())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestTriggerSingleFlight(t *testing.T) {
	runner := newFakeRunner()
	s := newScheduler(t, runner)
	ctx := context.Background()

	first := s.Trigger(ctx, "kev", models.TriggerManual, pipeline.Params{})
	if !first.Accepted || first.RunID == "" {
		t.Fatalf("expected first trigger accepted, got %+v", first)
	}

	second := s.Trigger(ctx, "kev", models.TriggerAuto, pipeline.Params{})
	if second.Accepted || second.Reason != "sync already running for kev" {
		t.Fatalf("expected rejection, got %+v", second)
	}
	if st, _ := s.State("kev"); st.Phase != PhaseRunning {
		t.Fatalf("expected running state, got %s", st.Phase)
	}

	other := s.Trigger(ctx, "nvd", models.TriggerManual, pipeline.Params{})
	if !other.Accepted {
		t.Fatalf("expected other source to run concurrently, got %+v", other)
	}

	close(runner.release)
	waitFor(t, "kev to become idle", func() bool {
		st, _ := s.State("kev")
		return st.Phase == PhaseIdle
	})

	st, _ := s.State("kev")
	if st.LastRunID != first.RunID || st.LastStatus != models.StatusSuccess || st.LastEnded == nil {
		t.Fatalf("unexpected last outcome: %+v", st)
	}

	third := s.Trigger(ctx, "kev", models.TriggerManual, pipeline.Params{})
	if !third.Accepted {
		t.Fatalf("expected trigger after completion to be accepted, got %+v", third)
	}
}

func TestTriggerUnknownSource(t *testing.T) {
	s := newScheduler(t, newFakeRunner())
	res := s.Trigger(context.Background(), "nessus", models.TriggerManual, pipeline.Params{})
	if res.Accepted || !strings.HasPrefix(res.Reason, "unknown source") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := s.State("nessus"); ok {
		t.Fatalf("expected no state for unknown source")
	}
}

func TestTriggerOutlivesCallerContext(t *testing.T) {
	runner := newFakeRunner()
	s := newScheduler(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	res := s.Trigger(ctx, "kev", models.TriggerManual, pipeline.Params{})
	cancel()
	if !res.Accepted {
		t.Fatalf("expected accepted, got %+v", res)
	}

	time.Sleep(20 * time.Millisecond)
	if st, _ := s.State("kev"); st.Phase != PhaseRunning {
		t.Fatalf("run must not stop with the caller's context")
	}
	close(runner.release)
	waitFor(t, "run to finish", func() bool {
		st, _ := s.State("kev")
		return st.LastStatus == models.StatusSuccess
	})
}

func TestStopCancelsInFlightRuns(t *testing.T) {
	runner := newFakeRunner()
	s, err := New(runner, []Job{{Source: "kev"}}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res := s.Trigger(context.Background(), "kev", models.TriggerManual, pipeline.Params{}); !res.Accepted {
		t.Fatalf("expected accepted, got %+v", res)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return")
	}

	st, _ := s.State("kev")
	if st.Phase != PhaseIdle || st.LastStatus != models.StatusFailure {
		t.Fatalf("expected cancelled run recorded, got %+v", st)
	}
	if res := s.Trigger(context.Background(), "kev", models.TriggerManual, pipeline.Params{}); res.Accepted {
		t.Fatalf("expected triggers after Stop to be rejected")
	}
}

func TestPeriodicJob(t *testing.T) {
	runner := newFakeRunner()
	close(runner.release)
	s := newScheduler(t, runner, Job{Source: "kev", Interval: 20 * time.Millisecond, InitialDelay: 5 * time.Millisecond}, Job{Source: "nvd"})
	s.Start()

	waitFor(t, "two scheduled runs", func() bool { return runner.begun.Load() >= 2 })

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, id := range runner.finished {
		if !strings.HasPrefix(id, "kev-") {
			t.Fatalf("manual-only source ran on a schedule: %s", id)
		}
	}
}

func TestRunIsSynchronousAndExclusive(t *testing.T) {
	runner := newFakeRunner()
	s := newScheduler(t, runner)

	if res := s.Trigger(context.Background(), "kev", models.TriggerManual, pipeline.Params{}); !res.Accepted {
		t.Fatalf("expected accepted, got %+v", res)
	}
	if _, err := s.Run(context.Background(), "kev", models.TriggerManual, pipeline.Params{}); err == nil {
		t.Fatalf("expected Run to be rejected while a run is in flight")
	}

	close(runner.release)
	run, err := s.Run(context.Background(), "nvd", models.TriggerManual, pipeline.Params{})
	if err != nil || run.Status != models.StatusSuccess {
		t.Fatalf("unexpected synchronous run: %+v %v", run, err)
	}
}

func TestNewRejectsUnknownJob(t *testing.T) {
	if _, err := New(newFakeRunner(), []Job{{Source: "nessus", Interval: time.Hour}}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unknown job source")
	}
}
