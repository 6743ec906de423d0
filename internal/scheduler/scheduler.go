// Package scheduler decides when sources sync. Runs are single-flight per
// source and execute on the scheduler's own context, never a caller's.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mkoziy/vulnsync/internal/models"
	"github.com/mkoziy/vulnsync/internal/pipeline"
)

const DefaultInitialDelay = time.Minute

// Runner begins and executes runs.
type Runner interface {
	Has(source string) bool
	Begin(ctx context.Context, source string, trigger models.TriggerType, params pipeline.Params) (*models.SyncRun, error)
	Execute(ctx context.Context, run *models.SyncRun, params pipeline.Params) error
}

// Job schedules a source periodically. A zero Interval means manual only.
type Job struct {
	Source       string
	Interval     time.Duration
	InitialDelay time.Duration
}

// Result answers a trigger request.
type Result struct {
	Accepted bool   `json:"accepted"`
	RunID    string `json:"run_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Phase is the scheduler-side state of a source.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
)

// State describes a source for observers.
type State struct {
	Source     string           `json:"source"`
	Phase      Phase            `json:"state"`
	Interval   time.Duration    `json:"interval"`
	LastRunID  string           `json:"last_run_id,omitempty"`
	LastStatus models.RunStatus `json:"last_status,omitempty"`
	LastEnded  *time.Time       `json:"last_ended_at,omitempty"`
}

type slot struct {
	job     Job
	running atomic.Bool

	mu   sync.Mutex
	last *models.SyncRun
}

// Scheduler owns background runs.
type Scheduler struct {
	runner Runner
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	slots   map[string]*slot
	started bool
	stopped bool
}

// New creates a scheduler for jobs. Every job source must be known to runner.
func New(runner Runner, jobs []Job, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		slots:  make(map[string]*slot, len(jobs)),
	}
	for _, job := range jobs {
		if !runner.Has(job.Source) {
			cancel()
			return nil, fmt.Errorf("job for unknown source %q", job.Source)
		}
		if job.Interval < 0 {
			cancel()
			return nil, fmt.Errorf("job %q: negative interval", job.Source)
		}
		if job.InitialDelay <= 0 {
			job.InitialDelay = DefaultInitialDelay
		}
		s.slots[job.Source] = &slot{job: job}
	}
	return s, nil
}

// Start launches the periodic loops. It is a no-op after the first call.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	for _, sl := range s.slots {
		if sl.job.Interval == 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(sl.job)
	}
}

// Stop cancels in-flight runs and waits for them and the loops to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Trigger starts a run in the background and returns once it is recorded.
// A source that is already running is rejected.
func (s *Scheduler) Trigger(ctx context.Context, source string, trigger models.TriggerType, params pipeline.Params) Result {
	sl, reason := s.acquire(source)
	if sl == nil {
		return Result{Reason: reason}
	}

	run, err := s.runner.Begin(ctx, source, trigger, params)
	if err != nil {
		sl.running.Store(false)
		return Result{Reason: "begin run: " + err.Error()}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		// The run is already recorded; finish it as cancelled.
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		_ = s.runner.Execute(cancelled, run, params)
		sl.running.Store(false)
		return Result{Reason: "scheduler stopped"}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer sl.running.Store(false)
		s.execute(s.ctx, sl, run, params)
	}()

	return Result{Accepted: true, RunID: run.RunID}
}

// Run executes a run synchronously on ctx, subject to the same exclusion.
func (s *Scheduler) Run(ctx context.Context, source string, trigger models.TriggerType, params pipeline.Params) (*models.SyncRun, error) {
	sl, reason := s.acquire(source)
	if sl == nil {
		return nil, fmt.Errorf("%s", reason)
	}
	defer sl.running.Store(false)

	run, err := s.runner.Begin(ctx, source, trigger, params)
	if err != nil {
		return nil, err
	}
	return run, s.execute(ctx, sl, run, params)
}

// State reports the phase and last outcome of source.
func (s *Scheduler) State(source string) (State, bool) {
	sl := s.slot(source)
	if sl == nil {
		return State{}, false
	}

	st := State{Source: source, Phase: PhaseIdle, Interval: sl.job.Interval}
	if sl.running.Load() {
		st.Phase = PhaseRunning
	}
	sl.mu.Lock()
	if sl.last != nil {
		st.LastRunID = sl.last.RunID
		st.LastStatus = sl.last.Status
		st.LastEnded = sl.last.EndedAt
	}
	sl.mu.Unlock()
	return st, true
}

// States reports every scheduled source, sorted by name.
func (s *Scheduler) States() []State {
	s.mu.Lock()
	names := make([]string, 0, len(s.slots))
	for name := range s.slots {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]State, 0, len(names))
	for _, name := range names {
		if st, ok := s.State(name); ok {
			out = append(out, st)
		}
	}
	return out
}

func (s *Scheduler) slot(source string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[source]
}

// acquire claims the run flag of source, or explains why it cannot.
func (s *Scheduler) acquire(source string) (*slot, string) {
	s.mu.Lock()
	sl, stopped := s.slots[source], s.stopped
	s.mu.Unlock()

	if sl == nil {
		return nil, "unknown source " + source
	}
	if stopped {
		return nil, "scheduler stopped"
	}
	if !sl.running.CompareAndSwap(false, true) {
		return nil, "sync already running for " + source
	}
	return sl, ""
}

func (s *Scheduler) execute(ctx context.Context, sl *slot, run *models.SyncRun, params pipeline.Params) error {
	err := s.runner.Execute(ctx, run, params)

	sl.mu.Lock()
	snapshot := *run
	sl.last = &snapshot
	sl.mu.Unlock()

	if err != nil {
		s.logger.Warn("run failed", zap.String("source", run.Source), zap.String("run_id", run.RunID), zap.Error(err))
	}
	return err
}

func (s *Scheduler) loop(job Job) {
	defer s.wg.Done()
	logger := s.logger.With(zap.String("source", job.Source))

	timer := time.NewTimer(job.InitialDelay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		res := s.Trigger(s.ctx, job.Source, models.TriggerAuto, pipeline.Params{})
		if res.Accepted {
			logger.Info("scheduled run started", zap.String("run_id", res.RunID))
		} else {
			logger.Info("scheduled run skipped", zap.String("reason", res.Reason))
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
