package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"akari/internal/job"
	"akari/internal/task/runner"
)

// Scope selects what the max_concurrent limit counts.
type Scope string

const (
	// ScopeGlobal counts every in-flight execution in the engine against the
	// dispatched job's max_concurrent.
	ScopeGlobal Scope = "global"
	// ScopeJob counts only the dispatched job's own in-flight executions.
	ScopeJob Scope = "job"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeJob:
		return ScopeJob, nil
	}
	return "", errors.Newf("unknown concurrency scope %q (want global|job)", s)
}

const (
	DefaultHistorySize = 200
	DefaultSinkTimeout = 5 * time.Second
)

// Config controls the execution coordinator.
type Config struct {
	ConcurrencyScope Scope
	// GateManual routes ExecuteNow through the same gate as Dispatch.
	GateManual  bool
	HistorySize int
	// SinkTimeout bounds each LogSink.Record call.
	SinkTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.ConcurrencyScope == "" {
		c.ConcurrencyScope = ScopeGlobal
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = DefaultSinkTimeout
	}
	return c
}

// ProcessRunner is the part of runner.Runner the coordinator uses.
type ProcessRunner interface {
	Run(ctx context.Context, command string, args []string, timeout time.Duration, opts ...runner.Option) (runner.Result, error)
}

// LogSink receives every execution at creation and again at its terminal state.
type LogSink interface {
	Record(ctx context.Context, e job.Execution) error
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(ctx context.Context, e job.Execution) error

func (f LogSinkFunc) Record(ctx context.Context, e job.Execution) error { return f(ctx, e) }

type nopSink struct{}

func (nopSink) Record(context.Context, job.Execution) error { return nil }

// Handle is the single cancellation and completion handle of one in-flight execution.
type Handle struct {
	jobID  job.ID
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cancelled atomic.Bool
	pid       atomic.Int64

	mu   sync.Mutex
	exec job.Execution
}

// Done is closed once the execution is terminal, recorded, and its process reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Execution returns a copy of the current record.
func (h *Handle) Execution() job.Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec.Clone()
}

// Cancel requests cancellation and returns without waiting. Use Wait or Done to observe the end.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Wait blocks until the execution is done or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) JobID() job.ID { return h.jobID }

// PID of the spawned process, 0 before spawn.
func (h *Handle) PID() int { return int(h.pid.Load()) }

func (h *Handle) update(fn func(e *job.Execution)) job.Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.exec)
	return h.exec.Clone()
}

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type HistoryItem struct {
	ExecutionID string
	JobID       job.ID
	Status      job.Status
	Started     time.Time
	Duration    time.Duration
	Error       string
}

type RunningItem struct {
	ExecutionID string
	JobID       job.ID
	Status      job.Status
	Started     time.Time
	PID         int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Scope      Scope
	GateManual bool
	InFlight   int
	Running    []RunningItem

	RejectedDisabled uint64
	RejectedRunning  uint64
	RejectedLimit    uint64

	History []HistoryItem
}
