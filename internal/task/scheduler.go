// Package task is the single entry point to the job engine. A Scheduler owns
// the process runner, the execution coordinator and the trigger engine; job
// sources and the CLI talk only to it.
package task

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"akari/internal/eventbus"
	"akari/internal/job"
	"akari/internal/task/engine"
	"akari/internal/task/runner"
	"akari/internal/task/scheduler"
	logx "akari/pkg/logx"
)

// ErrUnknownJob is returned by TriggerNow for an id that was never added.
var ErrUnknownJob = errors.New("unknown job")

type Config struct {
	Scheduler scheduler.Config
	Engine    engine.Config
	Runner    runner.Config
}

type Scheduler struct {
	log logx.Logger

	run *runner.Runner
	eng *engine.Service
	trg *scheduler.Service

	mu sync.Mutex
	// Last known definition per id, disabled ones included, so TriggerNow can
	// run a job that is not armed.
	jobs map[job.ID]job.Job
}

// New wires the three components. sink receives every execution record; it may
// be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, sink engine.LogSink) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	run := runner.New(cfg.Runner, log)
	eng := engine.New(cfg.Engine, log, bus, run, sink)
	return &Scheduler{
		log:  log.With(logx.String("comp", "task")),
		run:  run,
		eng:  eng,
		trg:  scheduler.New(cfg.Scheduler, eng, log, bus),
		jobs: make(map[job.ID]job.Job),
	}
}

// Apply swaps the runtime-adjustable settings. Runner sizing is fixed at New.
func (s *Scheduler) Apply(cfg Config) {
	s.trg.Apply(cfg.Scheduler)
	s.eng.Apply(cfg.Engine)
	if rc := s.run.Config(); cfg.Runner.Workers > 0 && cfg.Runner.Workers != rc.Workers {
		s.log.Warn("runner.workers changed; restart required", logx.Int("current", rc.Workers), logx.Int("configured", cfg.Runner.Workers))
	}
}

// Start starts the timer loop. ctx bounds scheduled dispatches.
func (s *Scheduler) Start(ctx context.Context) { s.trg.Start(ctx) }

// Stop halts the timer loop only. Executions already running keep going;
// use RemoveJob or Close to stop them.
func (s *Scheduler) Stop(ctx context.Context) { s.trg.Stop(ctx) }

// Close stops the timer loop, cancels every in-flight execution and waits for
// them to be recorded.
func (s *Scheduler) Close(ctx context.Context) error {
	s.trg.Stop(ctx)
	return s.eng.Close(ctx)
}

// AddJob records j and arms it when enabled.
func (s *Scheduler) AddJob(j job.Job) error {
	if err := s.trg.Arm(j); err != nil {
		s.forget(j.ID)
		return errors.Wrapf(err, "add job %s", j.Label())
	}
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	return nil
}

// RemoveJob disarms id, cancels its in-flight executions and waits until
// their processes are gone.
func (s *Scheduler) RemoveJob(ctx context.Context, id job.ID) error {
	s.forget(id)
	s.trg.Disarm(id)
	return s.eng.Cancel(ctx, id)
}

// ReplaceJob applies an updated definition. A disabled job is removed, which
// stops its running executions; an enabled one is re-armed and anything
// already running finishes under the old definition.
func (s *Scheduler) ReplaceJob(ctx context.Context, j job.Job) error {
	if !j.Enabled {
		if err := s.RemoveJob(ctx, j.ID); err != nil {
			return err
		}
		s.mu.Lock()
		s.jobs[j.ID] = j
		s.mu.Unlock()
		return nil
	}
	return s.AddJob(j)
}

// TriggerNow runs the last known definition of id immediately.
func (s *Scheduler) TriggerNow(ctx context.Context, id job.ID) (*engine.Handle, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownJob, "job %d", id)
	}
	return s.eng.ExecuteNow(ctx, j)
}

// Job returns the last known definition of id.
func (s *Scheduler) Job(id job.ID) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Scheduler) ListArmed() iter.Seq[scheduler.ArmedJob] { return s.trg.List() }

// Preview returns the next n fire times of sched in the scheduler timezone.
func (s *Scheduler) Preview(sched job.Schedule, n int) []time.Time { return s.trg.Preview(sched, n) }

func (s *Scheduler) Running(id job.ID) bool { return s.eng.Running(id) }

type Snapshot struct {
	Jobs      int
	Scheduler scheduler.Snapshot
	Engine    engine.Snapshot
	Workers   int
	Active    int
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	n := len(s.jobs)
	s.mu.Unlock()
	return Snapshot{
		Jobs:      n,
		Scheduler: s.trg.Snapshot(),
		Engine:    s.eng.Snapshot(),
		Workers:   s.run.Config().Workers,
		Active:    s.run.Active(),
	}
}

func (s *Scheduler) forget(id job.ID) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}
