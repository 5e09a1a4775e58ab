package job

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	shellquote "github.com/kballard/go-shellquote"
)

// Defaults applied by job sources when a definition leaves the field unset.
const (
	DefaultTimeout       = 300 * time.Second
	DefaultMaxConcurrent = 1
)

// ID is the opaque identity assigned by the job source.
type ID int64

// Job is the part of a persisted job definition the engine needs.
type Job struct {
	ID            ID
	Name          string
	Command       string
	Args          []string
	Schedule      Schedule
	Enabled       bool
	Timeout       time.Duration
	MaxConcurrent int
}

// Validate checks the invariants a job must satisfy before it reaches the engine.
// Schedule problems are marked with ErrInvalidSchedule, everything else with ErrInvalidJob.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Command) == "" {
		return errors.Mark(errors.Newf("job %d: command required", j.ID), ErrInvalidJob)
	}
	if j.Timeout <= 0 {
		return errors.Mark(errors.Newf("job %d: timeout must be > 0", j.ID), ErrInvalidJob)
	}
	if j.MaxConcurrent <= 0 {
		return errors.Mark(errors.Newf("job %d: max_concurrent must be > 0", j.ID), ErrInvalidJob)
	}
	if j.Schedule == nil {
		return errors.Mark(errors.Newf("job %d: schedule required", j.ID), ErrInvalidSchedule)
	}
	if err := j.Schedule.valid(); err != nil {
		return errors.Wrapf(err, "job %d", j.ID)
	}
	return nil
}

// Argv returns command followed by args.
func (j Job) Argv() []string {
	out := make([]string, 0, 1+len(j.Args))
	out = append(out, j.Command)
	return append(out, j.Args...)
}

// CommandLine renders the command as it would be typed in a shell, for audit records.
func (j Job) CommandLine() string {
	return CommandLine(j.Command, j.Args)
}

// CommandLine quotes command and args so the rendered line splits back unambiguously.
func CommandLine(command string, args []string) string {
	argv := make([]string, 0, 1+len(args))
	argv = append(argv, command)
	argv = append(argv, args...)
	return shellquote.Join(argv...)
}

// Label is used in logs: "name#id" or "#id".
func (j Job) Label() string {
	if j.Name == "" {
		return "#" + itoa(int64(j.ID))
	}
	return j.Name + "#" + itoa(int64(j.ID))
}

// Equal reports whether two definitions would be scheduled and executed identically.
func (j Job) Equal(o Job) bool {
	if j.ID != o.ID || j.Name != o.Name || j.Command != o.Command || j.Enabled != o.Enabled ||
		j.Timeout != o.Timeout || j.MaxConcurrent != o.MaxConcurrent || len(j.Args) != len(o.Args) {
		return false
	}
	for i := range j.Args {
		if j.Args[i] != o.Args[i] {
			return false
		}
	}
	if (j.Schedule == nil) != (o.Schedule == nil) {
		return false
	}
	if j.Schedule == nil {
		return true
	}
	return j.Schedule.Kind() == o.Schedule.Kind() && j.Schedule.Describe() == o.Schedule.Describe()
}
