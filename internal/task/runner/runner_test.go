//go:build !windows

package runner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "akari/pkg/logx"
)

func newTestRunner(workers int) *Runner {
	return New(Config{Workers: workers, KillGrace: 300 * time.Millisecond}, logx.Nop())
}

// alive treats zombies as dead: the test container's init may never reap
// reparented grandchildren.
func alive(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range st {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	r := newTestRunner(2)

	res, err := r.Run(context.Background(), "echo", []string{"hello"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
	assert.Empty(t, res.Stderr)
	assert.NotZero(t, res.PID)
	assert.Equal(t, 0, r.Active())
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	t.Parallel()
	r := newTestRunner(1)

	res, err := r.Run(context.Background(), "sh", []string{"-c", "echo out; echo err >&2; exit 3"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestRunDropsInvalidUTF8(t *testing.T) {
	t.Parallel()
	r := newTestRunner(1)

	res, err := r.Run(context.Background(), "printf", []string{`a\377b`}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ab", res.Stdout)
}

func TestRunLargeOutputOnBothStreams(t *testing.T) {
	t.Parallel()
	r := newTestRunner(1)

	script := "i=0; while [ $i -lt 20000 ]; do echo line$i; echo err$i >&2; i=$((i+1)); done"
	res, err := r.Run(context.Background(), "sh", []string{"-c", script}, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 20000, strings.Count(res.Stdout, "\n"))
	assert.Equal(t, 20000, strings.Count(res.Stderr, "\n"))
}

func TestRunSpawnFailure(t *testing.T) {
	t.Parallel()
	r := newTestRunner(1)

	_, err := r.Run(context.Background(), "akari-definitely-not-a-command", nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawnFailure), "err=%v", err)
	assert.Equal(t, 0, r.Active())

	_, err = LookPath("akari-definitely-not-a-command")
	assert.Error(t, err)
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	t.Parallel()
	r := newTestRunner(1)

	var pid int
	start := time.Now()
	res, err := r.Run(context.Background(), "sleep", []string{"10"}, time.Second, OnStart(func(p int) { pid = p }))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimedOut), "err=%v", err)
	assert.Equal(t, -1, res.ExitCode)
	assert.Empty(t, res.Stdout)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 5*time.Second)
	require.NotZero(t, pid)
	assert.False(t, alive(pid), "process %d still running", pid)
}

func TestRunTimeoutEscalatesWhenTermIgnored(t *testing.T) {
	t.Parallel()
	r := newTestRunner(1)

	var pid int
	_, err := r.Run(context.Background(), "sh", []string{"-c", "trap '' TERM; sleep 10"}, 500*time.Millisecond, OnStart(func(p int) { pid = p }))
	require.True(t, errors.Is(err, ErrTimedOut), "err=%v", err)
	assert.False(t, alive(pid))
}

func TestRunTimeoutKillsDescendants(t *testing.T) {
	t.Parallel()
	r := newTestRunner(1)
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	_, err := r.Run(context.Background(), "sh", []string{"-c", "sleep 30 & echo $! > " + pidFile + "; wait"}, 700*time.Millisecond)
	require.True(t, errors.Is(err, ErrTimedOut), "err=%v", err)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	child, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !alive(child) }, 3*time.Second, 50*time.Millisecond)
}

func TestRunCancel(t *testing.T) {
	t.Parallel()
	r := newTestRunner(1)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan int, 1)
	go func() {
		<-started
		cancel()
	}()

	_, err := r.Run(ctx, "sleep", []string{"10"}, time.Minute, OnStart(func(p int) { started <- p }))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "err=%v", err)
	assert.False(t, errors.Is(err, ErrTimedOut))
}

func TestRunBoundedByWorkers(t *testing.T) {
	t.Parallel()
	r := newTestRunner(1)

	var (
		mu   sync.Mutex
		peak int
	)
	observe := func(int) {
		mu.Lock()
		if n := r.Active(); n > peak {
			peak = n
		}
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Run(context.Background(), "sleep", []string{"0.2"}, 5*time.Second, OnStart(observe))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
	assert.Equal(t, 0, r.Active())
}

func TestRunWaitingForSlotHonoursContext(t *testing.T) {
	t.Parallel()
	r := newTestRunner(1)

	hold := make(chan struct{})
	go func() {
		_, _ = r.Run(context.Background(), "sleep", []string{"1"}, 5*time.Second, OnStart(func(int) { close(hold) }))
	}()
	<-hold

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, "echo", []string{"never"}, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
