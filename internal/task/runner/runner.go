package runner

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	logx "akari/pkg/logx"
)

const (
	DefaultWorkers   = 8
	DefaultKillGrace = 5 * time.Second

	// Bound on waiting for output pipes held open by stray descendants after the
	// main process is gone.
	pipeWaitDelay = 2 * time.Second
)

type Config struct {
	// Workers bounds how many processes may be supervised at the same time.
	Workers int
	// KillGrace is how long a terminated process gets before its tree is force-killed.
	KillGrace time.Duration
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return c
}

// Result of one finished process. Stdout and Stderr hold valid UTF-8.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	PID      int
}

// Options are the per-call settings built from Option values.
type Options struct {
	OnStart func(pid int)
	Dir     string
	Env     []string
}

type Option func(*Options)

// NewOptions folds opts into an Options value.
func NewOptions(opts ...Option) Options {
	var o Options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// OnStart is called with the pid right after a successful spawn.
func OnStart(fn func(pid int)) Option { return func(o *Options) { o.OnStart = fn } }

// WithDir sets the working directory of the process.
func WithDir(dir string) Option { return func(o *Options) { o.Dir = dir } }

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(kv ...string) Option { return func(o *Options) { o.Env = append(o.Env, kv...) } }

// Runner runs external commands under a hard timeout.
//
// A Runner keeps no per-call state; every Run owns exactly one process and
// releases its worker slot on every return path.
type Runner struct {
	cfg    Config
	log    logx.Logger
	sem    *semaphore.Weighted
	active atomic.Int64
}

func New(cfg Config, log logx.Logger) *Runner {
	cfg = cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg: cfg,
		log: log.With(logx.String("comp", "runner")),
		sem: semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

func (r *Runner) Config() Config { return r.cfg }

// Active returns the number of processes currently supervised.
func (r *Runner) Active() int { return int(r.active.Load()) }

// LookPath resolves command on PATH the way Run would.
func LookPath(command string) (string, error) {
	return exec.LookPath(command)
}

// Run executes command with args and waits for it to exit.
//
// The timeout starts once the process is spawned; timeout <= 0 means none.
// On timeout the process is terminated, its tree force-killed if it does not
// exit within KillGrace, and reaped before ErrTimedOut is returned. Context
// cancellation takes the same path and returns the context error.
// A non-zero exit is not an error: it is reported in Result.ExitCode.
func (r *Runner) Run(ctx context.Context, command string, args []string, timeout time.Duration, opts ...Option) (Result, error) {
	o := NewOptions(opts...)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Result{}, errors.Wrap(err, "waiting for worker slot")
	}
	defer r.sem.Release(1)
	r.active.Add(1)
	defer r.active.Add(-1)

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = pipeWaitDelay
	cmd.Dir = o.Dir
	if len(o.Env) > 0 {
		cmd.Env = append(cmd.Environ(), o.Env...)
	}
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, errors.Mark(errors.Wrapf(err, "start %q", command), ErrSpawnFailure)
	}
	pid := cmd.Process.Pid
	if o.OnStart != nil {
		o.OnStart(pid)
	}
	log := r.log.With(logx.Int("pid", pid), logx.String("command", command))
	log.Debug("process started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
			var ee *exec.ExitError
			if !errors.As(err, &ee) {
				return Result{ExitCode: -1, PID: pid}, errors.Wrapf(err, "wait %q", command)
			}
		}
		return Result{
			ExitCode: exitCode(cmd.ProcessState),
			Stdout:   clean(stdout.Bytes()),
			Stderr:   clean(stderr.Bytes()),
			PID:      pid,
		}, nil

	case <-deadline:
		log.Warn("process timed out, terminating", logx.Duration("timeout", timeout))
		r.terminate(log, pid, done)
		return Result{ExitCode: -1, PID: pid}, errors.Wrapf(ErrTimedOut, "after %s", timeout)

	case <-ctx.Done():
		log.Info("process cancelled, terminating")
		r.terminate(log, pid, done)
		return Result{ExitCode: -1, PID: pid}, errors.WithStack(ctx.Err())
	}
}

// terminate asks the process group to exit, escalates to a tree kill after
// KillGrace, then blocks until Wait has reaped the process.
func (r *Runner) terminate(log logx.Logger, pid int, done <-chan error) {
	// Termination must finish even though the caller's context is already done.
	kctx := context.Background()

	if err := interrupt(pid); err == nil {
		t := time.NewTimer(r.cfg.KillGrace)
		select {
		case <-done:
			t.Stop()
			log.Debug("process exited after terminate")
			return
		case <-t.C:
			log.Warn("process ignored terminate, killing tree", logx.Duration("grace", r.cfg.KillGrace))
		}
	} else if !errors.Is(err, errGracefulUnsupported) {
		log.Debug("terminate signal failed", logx.Err(err))
	}

	for attempt := 0; ; attempt++ {
		if err := killTree(kctx, pid); err != nil {
			log.Warn("kill tree", logx.Int("attempt", attempt+1), logx.Err(err))
		}
		select {
		case <-done:
			return
		case <-time.After(r.cfg.KillGrace):
		}
		if attempt >= 2 {
			log.Error("process still not reaped, waiting")
			<-done
			return
		}
	}
}

func clean(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}
