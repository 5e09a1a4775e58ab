//go:build !windows

package task

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"akari/internal/job"
	"akari/internal/task/engine"
	"akari/internal/task/runner"
	"akari/internal/task/scheduler"
	logx "akari/pkg/logx"
)

type records struct {
	mu  sync.Mutex
	all []job.Execution
}

func (r *records) Record(_ context.Context, e job.Execution) error {
	r.mu.Lock()
	r.all = append(r.all, e)
	r.mu.Unlock()
	return nil
}

func (r *records) terminal(id job.ID) []job.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []job.Execution
	for _, e := range r.all {
		if e.JobID == id && e.Status.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

func newScheduler(t *testing.T) (*Scheduler, *records) {
	t.Helper()
	rec := &records{}
	s := New(Config{
		Scheduler: scheduler.Config{Enabled: true, Timezone: "UTC"},
		Runner:    runner.Config{Workers: 4, KillGrace: 300 * time.Millisecond},
	}, logx.Nop(), nil, rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, rec
}

func sleepJob(t *testing.T, id job.ID, secs string) job.Job {
	t.Helper()
	iv, err := job.NewInterval(3600)
	require.NoError(t, err)
	return job.Job{ID: id, Name: "sleeper", Command: "sleep", Args: []string{secs}, Schedule: iv, Enabled: true, Timeout: time.Minute, MaxConcurrent: 1}
}

func wait(t *testing.T, h *engine.Handle) job.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
	return h.Execution()
}

func TestAddJobInvalidIsNotKept(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)

	j := sleepJob(t, 1, "0")
	j.Schedule = job.Cron{}
	err := s.AddJob(j)
	require.Error(t, err)
	assert.True(t, errors.Is(err, job.ErrInvalidSchedule))
	assert.Empty(t, slices.Collect(s.ListArmed()))

	_, err = s.TriggerNow(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrUnknownJob))
}

func TestDisabledJobCanBeTriggered(t *testing.T) {
	t.Parallel()
	s, rec := newScheduler(t)

	j := sleepJob(t, 2, "0")
	j.Command, j.Args = "echo", []string{"manual"}
	j.Enabled = false
	require.NoError(t, s.AddJob(j))
	assert.Empty(t, slices.Collect(s.ListArmed()))

	h, err := s.TriggerNow(context.Background(), 2)
	require.NoError(t, err)
	e := wait(t, h)
	assert.Equal(t, job.StatusCompleted, e.Status)
	assert.Equal(t, "manual\n", e.Stdout)
	assert.Len(t, rec.terminal(2), 1)
}

func TestRemoveJobCancelsRunning(t *testing.T) {
	t.Parallel()
	s, rec := newScheduler(t)

	require.NoError(t, s.AddJob(sleepJob(t, 3, "10")))
	h, err := s.TriggerNow(context.Background(), 3)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.PID() > 0 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.RemoveJob(ctx, 3))

	assert.False(t, s.Running(3))
	assert.Empty(t, slices.Collect(s.ListArmed()))
	got := rec.terminal(3)
	require.Len(t, got, 1)
	assert.Equal(t, job.StatusCancelled, got[0].Status)

	_, err = s.TriggerNow(context.Background(), 3)
	assert.True(t, errors.Is(err, ErrUnknownJob))
}

func TestReplaceJob(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)

	j := sleepJob(t, 4, "10")
	require.NoError(t, s.AddJob(j))

	// enabled -> enabled: re-armed, running execution untouched.
	h, err := s.TriggerNow(context.Background(), 4)
	require.NoError(t, err)
	cron, err := job.NewCron("0 3 * * *")
	require.NoError(t, err)
	j.Schedule = cron
	require.NoError(t, s.ReplaceJob(context.Background(), j))
	armed := slices.Collect(s.ListArmed())
	require.Len(t, armed, 1)
	assert.Equal(t, "Cron: 0 3 * * *", armed[0].Description)
	assert.True(t, s.Running(4))

	// enabled -> disabled: disarmed and stopped, definition kept.
	j.Enabled = false
	require.NoError(t, s.ReplaceJob(context.Background(), j))
	assert.Empty(t, slices.Collect(s.ListArmed()))
	assert.Equal(t, job.StatusCancelled, wait(t, h).Status)
	got, ok := s.Job(4)
	require.True(t, ok)
	assert.False(t, got.Enabled)

	// disabled -> enabled: armed again.
	j.Enabled = true
	require.NoError(t, s.ReplaceJob(context.Background(), j))
	assert.Len(t, slices.Collect(s.ListArmed()), 1)
}

func TestStopLeavesExecutionsRunning(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	s.Start(context.Background())
	s.Start(context.Background())

	require.NoError(t, s.AddJob(sleepJob(t, 5, "10")))
	h, err := s.TriggerNow(context.Background(), 5)
	require.NoError(t, err)

	s.Stop(context.Background())
	s.Stop(context.Background())
	assert.True(t, s.Running(5))
	assert.Len(t, slices.Collect(s.ListArmed()), 1)
	h.Cancel()
}

func TestDryRun(t *testing.T) {
	t.Parallel()
	s, rec := newScheduler(t)
	ctx := context.Background()

	res, err := s.DryRun(ctx, "echo", []string{"hello"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, DryRunResult{ExitCode: 0, Stdout: "hello\n"}, res)

	res, err = s.DryRun(ctx, "akari-no-such-binary", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, `No such command "akari-no-such-binary" found`, res.Stderr)

	res, err = s.DryRun(ctx, "sh", []string{"-c", "echo oops >&2; exit 3"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)

	_, err = s.DryRun(ctx, "sleep", []string{"10"}, 500*time.Millisecond)
	assert.True(t, errors.Is(err, runner.ErrTimedOut))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.all)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	require.NoError(t, s.AddJob(sleepJob(t, 6, "0")))

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Jobs)
	assert.Equal(t, 4, snap.Workers)
	assert.Len(t, snap.Scheduler.Armed, 1)
	assert.Equal(t, engine.ScopeGlobal, snap.Engine.Scope)
}
