package job

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidSchedule marks a cron expression or interval that cannot be armed.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrInvalidJob marks a job definition that violates a non-schedule invariant.
	ErrInvalidJob = errors.New("invalid job")
)

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
