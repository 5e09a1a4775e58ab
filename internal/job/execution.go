package job

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Status values match the persisted log schema.
type Status int

const (
	StatusPending   Status = 1
	StatusRunning   Status = 2
	StatusCompleted Status = 3
	StatusFailed    Status = 4
	StatusTimeout   Status = 5
	StatusCancelled Status = 6
)

var statusNames = map[Status]string{
	StatusPending:   "PENDING",
	StatusRunning:   "RUNNING",
	StatusCompleted: "COMPLETED",
	StatusFailed:    "FAILED",
	StatusTimeout:   "TIMEOUT",
	StatusCancelled: "CANCELLED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseStatus accepts a status name (any case) or its numeric value.
func ParseStatus(v string) (Status, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if s := Status(n); s.Valid() {
			return s, nil
		}
		return 0, errors.Newf("unknown status %d", n)
	}
	up := strings.ToUpper(v)
	for s, name := range statusNames {
		if name == up {
			return s, nil
		}
	}
	return 0, errors.Newf("unknown status %q", v)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, errors.Newf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Execution is one attempt to run a job's command.
//
// ExitCode is nil for CANCELLED and spawn failures; TIMEOUT carries -1.
// ErrorMessage is nil for COMPLETED.
type Execution struct {
	ID           string        `json:"id"`
	JobID        ID            `json:"job_id"`
	CommandLine  string        `json:"command_executed"`
	Status       Status        `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitzero"`
	Duration     time.Duration `json:"duration"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	ExitCode     *int          `json:"exit_code"`
	ErrorMessage *string       `json:"error_message"`
}

// TimedOutExitCode is recorded for TIMEOUT executions, which have no real exit code.
const TimedOutExitCode = -1

// Clone returns a deep copy; the pointer fields are not shared.
func (e Execution) Clone() Execution {
	cp := e
	if e.ExitCode != nil {
		v := *e.ExitCode
		cp.ExitCode = &v
	}
	if e.ErrorMessage != nil {
		v := *e.ErrorMessage
		cp.ErrorMessage = &v
	}
	return cp
}

// Finish stamps the terminal status and timing.
func (e *Execution) Finish(st Status, at time.Time) {
	e.Status = st
	e.FinishedAt = at
	e.Duration = at.Sub(e.StartedAt)
	if e.Duration < 0 {
		e.Duration = 0
	}
}

// IntPtr and StrPtr are helpers for the nullable fields.
func IntPtr(v int) *int       { return &v }
func StrPtr(v string) *string { return &v }
