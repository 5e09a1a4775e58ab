package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"

	"github.com/cockroachdb/errors"

	"akari/internal/eventbus"
	"akari/internal/job"
	"akari/internal/task/runner"
	logx "akari/pkg/logx"
)

const cancelledMessage = "Task execution cancelled"

// execute runs one admitted execution to its terminal state.
// PENDING is recorded first; RUNNING follows the spawn; the terminal record is
// written before the running-set entry is cleared.
func (s *Service) execute(ctx context.Context, h *Handle, j job.Job) {
	log := s.log.With(logx.String("job", j.Label()))
	defer s.complete(log, h)
	defer func() {
		if r := recover(); r != nil {
			log.Error("execution panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.finishFailed(h, fmt.Sprintf("panic: %v", r))
		}
	}()

	pending := h.Execution()
	s.record(log, pending)
	s.publish(eventbus.ExecutionPending, pending)

	res, err := s.run.Run(ctx, j.Command, j.Args, j.Timeout, runner.OnStart(func(pid int) {
		h.pid.Store(int64(pid))
		e := h.update(func(e *job.Execution) { e.Status = job.StatusRunning })
		log.Debug("execution running", logx.String("execution_id", e.ID), logx.Int("pid", pid))
		s.publish(eventbus.ExecutionRunning, e)
	}))

	now := s.now()
	switch {
	case err == nil && res.ExitCode == 0:
		h.update(func(e *job.Execution) {
			e.Finish(job.StatusCompleted, now)
			e.ExitCode = job.IntPtr(0)
			e.Stdout, e.Stderr = res.Stdout, res.Stderr
		})
	case err == nil:
		h.update(func(e *job.Execution) {
			e.Finish(job.StatusFailed, now)
			e.ExitCode = job.IntPtr(res.ExitCode)
			e.Stdout, e.Stderr = res.Stdout, res.Stderr
			e.ErrorMessage = job.StrPtr("Command failed with exit code " + strconv.Itoa(res.ExitCode))
		})
	case errors.Is(err, runner.ErrTimedOut):
		h.update(func(e *job.Execution) {
			e.Finish(job.StatusTimeout, now)
			e.ExitCode = job.IntPtr(job.TimedOutExitCode)
			e.Stdout, e.Stderr = "", ""
			e.ErrorMessage = job.StrPtr("Task timed out after " + strconv.FormatFloat(j.Timeout.Seconds(), 'f', -1, 64) + " seconds")
		})
	case h.cancelled.Load() || errors.Is(err, context.Canceled):
		h.update(func(e *job.Execution) {
			e.Finish(job.StatusCancelled, now)
			e.Stdout, e.Stderr = "", ""
			e.ErrorMessage = job.StrPtr(cancelledMessage)
		})
	default:
		s.finishFailed(h, err.Error())
	}
}

func (s *Service) finishFailed(h *Handle, msg string) {
	now := s.now()
	h.update(func(e *job.Execution) {
		e.Finish(job.StatusFailed, now)
		e.ExitCode = nil
		e.Stdout, e.Stderr = "", ""
		e.ErrorMessage = job.StrPtr(msg)
	})
}

// complete records the terminal state, then frees the running-set slot and
// signals Done.
func (s *Service) complete(log logx.Logger, h *Handle) {
	final := h.update(func(e *job.Execution) {
		if !e.Status.Terminal() {
			e.Finish(job.StatusFailed, s.now())
			e.ErrorMessage = job.StrPtr("execution ended without an outcome")
		}
	})
	s.record(log, final)
	s.pushHistory(final)
	s.publish(eventbus.ExecutionFinished, final)

	fields := []logx.Field{
		logx.String("execution_id", final.ID),
		logx.String("status", final.Status.String()),
		logx.Duration("dur", final.Duration),
	}
	if final.ExitCode != nil {
		fields = append(fields, logx.Int("exit_code", *final.ExitCode))
	}
	if final.ErrorMessage != nil {
		fields = append(fields, logx.String("error", *final.ErrorMessage))
	}
	if final.Status == job.StatusCompleted {
		log.Info("execution finished", fields...)
	} else {
		log.Warn("execution finished", fields...)
	}

	s.release(h)
	close(h.done)
}

// record hands e to the sink. Sink failures are logged, never propagated.
func (s *Service) record(log logx.Logger, e job.Execution) {
	s.mu.Lock()
	timeout := s.cfg.SinkTimeout
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.sink.Record(ctx, e); err != nil {
		log.Warn("log sink record failed", logx.String("execution_id", e.ID), logx.String("status", e.Status.String()), logx.Err(err))
	}
}

func (s *Service) publish(typ string, e job.Execution) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: e})
}
