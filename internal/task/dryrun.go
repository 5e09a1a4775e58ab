package task

import (
	"context"
	"time"

	"akari/internal/job"
	"akari/internal/task/runner"
	logx "akari/pkg/logx"
)

const DefaultDryRunTimeout = 5 * time.Second

// DryRunResult is what a one-off run reports back. No execution record is
// written for it.
type DryRunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// DryRun runs command once outside any job. A command that does not resolve
// on PATH is reported as exit code 1 without spawning anything. Timeouts and
// cancellation are returned as errors (runner.ErrTimedOut, ctx.Err()).
func (s *Scheduler) DryRun(ctx context.Context, command string, args []string, timeout time.Duration) (DryRunResult, error) {
	if _, err := runner.LookPath(command); err != nil {
		return DryRunResult{ExitCode: 1, Stderr: `No such command "` + command + `" found`}, nil
	}
	if timeout <= 0 {
		timeout = DefaultDryRunTimeout
	}

	start := time.Now()
	res, err := s.run.Run(ctx, command, args, timeout)
	s.log.Debug("dry run finished",
		logx.String("cmd", job.CommandLine(command, args)),
		logx.Int("exit_code", res.ExitCode),
		logx.Duration("took", time.Since(start)),
		logx.Err(err),
	)
	if err != nil {
		return DryRunResult{ExitCode: res.ExitCode}, err
	}
	return DryRunResult{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}
