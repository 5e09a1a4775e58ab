package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"akari/internal/eventbus"
	"akari/internal/job"
	"akari/internal/task/runner"
	logx "akari/pkg/logx"
)

// memSink keeps every record it receives, keyed by execution id.
type memSink struct {
	mu      sync.Mutex
	records []job.Execution
}

func (m *memSink) Record(_ context.Context, e job.Execution) error {
	m.mu.Lock()
	m.records = append(m.records, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) all() []job.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]job.Execution(nil), m.records...)
}

// executions returns the distinct execution ids seen, in order.
func (m *memSink) executions() []string {
	seen := map[string]bool{}
	var ids []string
	for _, e := range m.all() {
		if !seen[e.ID] {
			seen[e.ID] = true
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (m *memSink) terminal() []job.Execution {
	var out []job.Execution
	for _, e := range m.all() {
		if e.Status.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

// blockingRunner spawns nothing; each Run blocks until released or cancelled.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	result  runner.Result
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingRunner) Run(ctx context.Context, _ string, _ []string, _ time.Duration, opts ...runner.Option) (runner.Result, error) {
	notifyStart(opts, 4242)
	b.started <- struct{}{}
	select {
	case <-b.release:
		return b.result, b.err
	case <-ctx.Done():
		return runner.Result{ExitCode: -1}, ctx.Err()
	}
}

type funcRunner func(ctx context.Context) (runner.Result, error)

func (f funcRunner) Run(ctx context.Context, _ string, _ []string, _ time.Duration, opts ...runner.Option) (runner.Result, error) {
	notifyStart(opts, 1)
	return f(ctx)
}

func notifyStart(opts []runner.Option, pid int) {
	if fn := runner.NewOptions(opts...).OnStart; fn != nil {
		fn(pid)
	}
}

func testJob(id job.ID) job.Job {
	iv, _ := job.NewInterval(60)
	return job.Job{ID: id, Name: "t", Command: "true", Schedule: iv, Enabled: true, Timeout: 5 * time.Second, MaxConcurrent: 1}
}

func waitDone(t *testing.T, h *Handle) job.Execution {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("execution did not finish")
	}
	return h.Execution()
}

func TestDispatchRejectsDisabled(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	s := New(Config{}, logx.Nop(), nil, newBlockingRunner(), sink)

	j := testJob(1)
	j.Enabled = false
	h, err := s.Dispatch(context.Background(), j)
	require.Nil(t, h)
	assert.True(t, errors.Is(err, ErrJobDisabled))
	assert.Empty(t, sink.all())
	assert.Equal(t, uint64(1), s.Snapshot().RejectedDisabled)
}

func TestDispatchAlreadyRunning(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	r := newBlockingRunner()
	bus := eventbus.New()
	rejected, unsub := bus.Subscribe(4, eventbus.DispatchRejected)
	defer unsub()
	s := New(Config{}, logx.Nop(), bus, r, sink)

	j := testJob(1)
	j.MaxConcurrent = 5
	h, err := s.Dispatch(context.Background(), j)
	require.NoError(t, err)
	<-r.started

	_, err = s.Dispatch(context.Background(), j)
	assert.True(t, errors.Is(err, ErrAlreadyRunning), "err=%v", err)
	assert.True(t, IsRejection(err))

	ev := <-rejected
	assert.Equal(t, eventbus.Rejection{JobID: 1, Reason: "already_running"}, ev.Data)

	close(r.release)
	e := waitDone(t, h)
	assert.Equal(t, job.StatusCompleted, e.Status)
	assert.Len(t, sink.executions(), 1)
	assert.Len(t, sink.terminal(), 1)
	assert.False(t, s.Running(1))
}

func TestGlobalScopeCountsOtherJobs(t *testing.T) {
	t.Parallel()
	r := newBlockingRunner()
	s := New(Config{ConcurrencyScope: ScopeGlobal}, logx.Nop(), nil, r, nil)

	_, err := s.Dispatch(context.Background(), testJob(1))
	require.NoError(t, err)
	<-r.started

	_, err = s.Dispatch(context.Background(), testJob(2))
	assert.True(t, errors.Is(err, ErrConcurrencyLimit), "err=%v", err)

	close(r.release)
	require.NoError(t, s.Close(context.Background()))
}

func TestJobScopeIgnoresOtherJobs(t *testing.T) {
	t.Parallel()
	r := newBlockingRunner()
	s := New(Config{ConcurrencyScope: ScopeJob}, logx.Nop(), nil, r, nil)

	h1, err := s.Dispatch(context.Background(), testJob(1))
	require.NoError(t, err)
	h2, err := s.Dispatch(context.Background(), testJob(2))
	require.NoError(t, err)
	<-r.started
	<-r.started
	assert.Equal(t, 2, s.Snapshot().InFlight)

	close(r.release)
	waitDone(t, h1)
	waitDone(t, h2)
}

func TestExecuteNowBypassesGate(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	r := newBlockingRunner()
	s := New(Config{}, logx.Nop(), nil, r, sink)

	j := testJob(1)
	h1, err := s.Dispatch(context.Background(), j)
	require.NoError(t, err)
	<-r.started

	h2, err := s.ExecuteNow(context.Background(), j)
	require.NoError(t, err)
	<-r.started
	assert.Equal(t, 2, s.Snapshot().InFlight)

	close(r.release)
	waitDone(t, h1)
	waitDone(t, h2)
	assert.Len(t, sink.executions(), 2)
	assert.False(t, s.Running(1))
}

func TestExecuteNowGatedWhenConfigured(t *testing.T) {
	t.Parallel()
	r := newBlockingRunner()
	s := New(Config{GateManual: true}, logx.Nop(), nil, r, nil)

	j := testJob(1)
	h, err := s.Dispatch(context.Background(), j)
	require.NoError(t, err)
	<-r.started

	_, err = s.ExecuteNow(context.Background(), j)
	assert.True(t, errors.Is(err, ErrAlreadyRunning), "err=%v", err)

	close(r.release)
	waitDone(t, h)
}

func TestCancelWaitsAndRecordsCancelled(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	r := newBlockingRunner()
	s := New(Config{}, logx.Nop(), nil, r, sink)

	h, err := s.Dispatch(context.Background(), testJob(3))
	require.NoError(t, err)
	<-r.started

	require.NoError(t, s.Cancel(context.Background(), 3))
	select {
	case <-h.Done():
	default:
		t.Fatal("Cancel returned before the execution finished")
	}
	e := h.Execution()
	assert.Equal(t, job.StatusCancelled, e.Status)
	assert.Nil(t, e.ExitCode)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "Task execution cancelled", *e.ErrorMessage)

	// Idempotent once nothing is running.
	require.NoError(t, s.Cancel(context.Background(), 3))
	assert.Len(t, sink.terminal(), 1)
}

func TestRunnerErrorBecomesFailed(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	s := New(Config{}, logx.Nop(), nil, funcRunner(func(context.Context) (runner.Result, error) {
		return runner.Result{}, errors.New("disk on fire")
	}), sink)

	h, err := s.Dispatch(context.Background(), testJob(4))
	require.NoError(t, err)
	e := waitDone(t, h)
	assert.Equal(t, job.StatusFailed, e.Status)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "disk on fire", *e.ErrorMessage)
	assert.Empty(t, e.Stdout)
	assert.Nil(t, e.ExitCode)
}

func TestPanicInRunnerBecomesFailed(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	s := New(Config{}, logx.Nop(), nil, funcRunner(func(context.Context) (runner.Result, error) {
		panic("kaboom")
	}), sink)

	h, err := s.Dispatch(context.Background(), testJob(5))
	require.NoError(t, err)
	e := waitDone(t, h)
	assert.Equal(t, job.StatusFailed, e.Status)
	require.NotNil(t, e.ErrorMessage)
	assert.Contains(t, *e.ErrorMessage, "kaboom")
	assert.False(t, s.Running(5))

	// The engine keeps working.
	_, err = s.Dispatch(context.Background(), testJob(5))
	require.NoError(t, err)
}

func TestSinkSeesPendingThenTerminal(t *testing.T) {
	t.Parallel()
	sink := &memSink{}
	s := New(Config{}, logx.Nop(), nil, funcRunner(func(context.Context) (runner.Result, error) {
		return runner.Result{ExitCode: 2, Stdout: "o", Stderr: "e"}, nil
	}), sink)

	j := testJob(6)
	j.Args = []string{"a b"}
	h, err := s.Dispatch(context.Background(), j)
	require.NoError(t, err)
	waitDone(t, h)

	recs := sink.all()
	require.Len(t, recs, 2)
	assert.Equal(t, job.StatusPending, recs[0].Status)
	assert.Equal(t, recs[0].ID, recs[1].ID)
	assert.Equal(t, "true 'a b'", recs[1].CommandLine)
	assert.Equal(t, job.StatusFailed, recs[1].Status)
	require.NotNil(t, recs[1].ExitCode)
	assert.Equal(t, 2, *recs[1].ExitCode)
	assert.Equal(t, "Command failed with exit code 2", *recs[1].ErrorMessage)
	assert.Equal(t, "o", recs[1].Stdout)

	hist := s.Snapshot().History
	require.Len(t, hist, 1)
	assert.Equal(t, job.StatusFailed, hist[0].Status)
}

func TestSinkErrorsAreSwallowed(t *testing.T) {
	t.Parallel()
	sink := LogSinkFunc(func(context.Context, job.Execution) error { return errors.New("db down") })
	s := New(Config{}, logx.Nop(), nil, funcRunner(func(context.Context) (runner.Result, error) {
		return runner.Result{}, nil
	}), sink)

	h, err := s.Dispatch(context.Background(), testJob(7))
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, waitDone(t, h).Status)
}

func TestCloseRefusesNewWork(t *testing.T) {
	t.Parallel()
	r := newBlockingRunner()
	s := New(Config{}, logx.Nop(), nil, r, nil)

	h, err := s.Dispatch(context.Background(), testJob(8))
	require.NoError(t, err)
	<-r.started

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, job.StatusCancelled, h.Execution().Status)

	_, err = s.Dispatch(context.Background(), testJob(9))
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = s.ExecuteNow(context.Background(), testJob(9))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestParseScope(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Scope{"": ScopeGlobal, "GLOBAL": ScopeGlobal, " job ": ScopeJob} {
		got, err := ParseScope(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseScope("cluster")
	assert.Error(t, err)
}
