package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"akari/internal/eventbus"
	"akari/internal/job"
	rtsup "akari/internal/runtime/supervisor"
	logx "akari/pkg/logx"
)

// Service is the execution coordinator: it gates dispatches, runs each
// accepted execution in its own supervised goroutine, and records outcomes.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	run    ProcessRunner
	sink   LogSink
	sup    *rtsup.Supervisor
	closed bool

	// Running-set: the tracked handle per job id. Dispatch refuses while it is live.
	slots map[job.ID]*Handle
	// Every non-terminal execution, including ones whose slot was overwritten by ExecuteNow.
	inflight map[*Handle]struct{}
	perJob   map[job.ID]int

	hmu     sync.Mutex
	history []HistoryItem

	rejectedDisabled atomic.Uint64
	rejectedRunning  atomic.Uint64
	rejectedLimit    atomic.Uint64

	now func() time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, run ProcessRunner, sink LogSink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = nopSink{}
	}
	log = log.With(logx.String("comp", "engine"))
	return &Service{
		cfg:  cfg.normalize(),
		log:  log,
		bus:  bus,
		run:  run,
		sink: sink,
		sup: rtsup.New(context.Background(),
			rtsup.WithLogger(log),
			// One failed execution must never stop the others.
			rtsup.WithCancelOnError(false),
		),
		slots:    make(map[job.ID]*Handle),
		inflight: make(map[*Handle]struct{}),
		perJob:   make(map[job.ID]int),
		now:      time.Now,
	}
}

// Apply swaps gating settings. In-flight executions are unaffected.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalize()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()
	if prev != cfg {
		s.log.Info("engine config applied", logx.String("scope", string(cfg.ConcurrencyScope)), logx.Bool("gate_manual", cfg.GateManual))
	}
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Dispatch gates and starts one execution of j. It does not wait for the
// execution; the returned Handle observes it.
//
// Gate order: disabled, already running, concurrency limit. The check and the
// running-set insert happen under one lock.
func (s *Service) Dispatch(ctx context.Context, j job.Job) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := s.gateLocked(j); err != nil {
		s.mu.Unlock()
		s.reject(j, err)
		return nil, err
	}
	h := s.admitLocked(j)
	s.mu.Unlock()

	s.launch(h, j)
	return h, nil
}

// ExecuteNow starts j immediately. Unless GateManual is set it bypasses the
// running-set and concurrency checks and takes over the job's running-set slot.
func (s *Service) ExecuteNow(ctx context.Context, j job.Job) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.cfg.GateManual {
		s.mu.Unlock()
		return s.Dispatch(ctx, j)
	}
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	h := s.admitLocked(j)
	s.mu.Unlock()

	s.launch(h, j)
	return h, nil
}

func (s *Service) gateLocked(j job.Job) error {
	if s.closed {
		return ErrClosed
	}
	if !j.Enabled {
		return errors.Wrapf(ErrJobDisabled, "job %d", j.ID)
	}
	if h := s.slots[j.ID]; h != nil && !h.finished() {
		return errors.Wrapf(ErrAlreadyRunning, "job %d", j.ID)
	}
	n := len(s.inflight)
	if s.cfg.ConcurrencyScope == ScopeJob {
		n = s.perJob[j.ID]
	}
	if n >= j.MaxConcurrent {
		return errors.Wrapf(ErrConcurrencyLimit, "job %d: %d in flight, max_concurrent %d (scope %s)", j.ID, n, j.MaxConcurrent, s.cfg.ConcurrencyScope)
	}
	return nil
}

// admitLocked creates the PENDING execution and inserts it into the running-set.
func (s *Service) admitLocked(j job.Job) *Handle {
	ctx, cancel := context.WithCancel(s.sup.Context())
	h := &Handle{
		jobID:  j.ID,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		exec: job.Execution{
			ID:          uuid.NewString(),
			JobID:       j.ID,
			CommandLine: j.CommandLine(),
			Status:      job.StatusPending,
			StartedAt:   s.now(),
		},
	}
	s.slots[j.ID] = h
	s.inflight[h] = struct{}{}
	s.perJob[j.ID]++
	return h
}

func (s *Service) launch(h *Handle, j job.Job) {
	s.sup.Go0("exec."+j.Label(), func(context.Context) {
		s.execute(h.ctx, h, j)
	})
}

// release removes h from the running-set. The slot is only cleared if h still owns it.
func (s *Service) release(h *Handle) {
	s.mu.Lock()
	delete(s.inflight, h)
	if n := s.perJob[h.jobID] - 1; n > 0 {
		s.perJob[h.jobID] = n
	} else {
		delete(s.perJob, h.jobID)
	}
	if s.slots[h.jobID] == h {
		delete(s.slots, h.jobID)
	}
	s.mu.Unlock()
	h.cancel()
}

func (s *Service) reject(j job.Job, err error) {
	switch {
	case errors.Is(err, ErrJobDisabled):
		s.rejectedDisabled.Add(1)
	case errors.Is(err, ErrAlreadyRunning):
		s.rejectedRunning.Add(1)
	case errors.Is(err, ErrConcurrencyLimit):
		s.rejectedLimit.Add(1)
	}
	s.log.Debug("dispatch rejected", logx.String("job", j.Label()), logx.String("reason", reason(err)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.DispatchRejected, Data: eventbus.Rejection{JobID: int64(j.ID), Reason: reason(err)}})
	}
}

// Cancel cancels every in-flight execution of id and blocks until all of them
// are done (process reaped, terminal record written) or ctx ends.
// It is a no-op when nothing is running.
func (s *Service) Cancel(ctx context.Context, id job.ID) error {
	s.mu.Lock()
	var hs []*Handle
	for h := range s.inflight {
		if h.jobID == id {
			hs = append(hs, h)
		}
	}
	s.mu.Unlock()

	if len(hs) == 0 {
		return nil
	}
	for _, h := range hs {
		h.Cancel()
	}
	for _, h := range hs {
		if err := h.Wait(ctx); err != nil {
			return errors.Wrapf(err, "waiting for job %d to stop", id)
		}
	}
	s.log.Info("job cancelled", logx.Int64("job_id", int64(id)), logx.Int("executions", len(hs)))
	return nil
}

// Running reports whether id has a live execution in its running-set slot.
func (s *Service) Running(id job.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.slots[id]
	return h != nil && !h.finished()
}

// Close refuses new work, cancels all in-flight executions, and waits for them.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	n := len(s.inflight)
	for h := range s.inflight {
		h.cancelled.Store(true)
	}
	s.mu.Unlock()

	if n > 0 {
		s.log.Info("cancelling in-flight executions", logx.Int("count", n))
	}
	err := s.sup.Stop(ctx)
	if err != nil && ctx.Err() != nil {
		return errors.Wrap(err, "engine close")
	}
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := make([]RunningItem, 0, len(s.inflight))
	for h := range s.inflight {
		e := h.Execution()
		running = append(running, RunningItem{ExecutionID: e.ID, JobID: e.JobID, Status: e.Status, Started: e.StartedAt, PID: h.PID()})
	}
	s.mu.Unlock()

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Scope:            cfg.ConcurrencyScope,
		GateManual:       cfg.GateManual,
		InFlight:         len(running),
		Running:          running,
		RejectedDisabled: s.rejectedDisabled.Load(),
		RejectedRunning:  s.rejectedRunning.Load(),
		RejectedLimit:    s.rejectedLimit.Load(),
		History:          hist,
	}
}

func (s *Service) pushHistory(e job.Execution) {
	item := HistoryItem{ExecutionID: e.ID, JobID: e.JobID, Status: e.Status, Started: e.StartedAt, Duration: e.Duration}
	if e.ErrorMessage != nil {
		item.Error = *e.ErrorMessage
	}
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
