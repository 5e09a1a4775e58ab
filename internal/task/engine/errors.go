package engine

import "github.com/cockroachdb/errors"

// Dispatch gating errors. None of them produce an Execution record.
var (
	ErrJobDisabled      = errors.New("job disabled")
	ErrAlreadyRunning   = errors.New("job already running")
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")
	ErrClosed           = errors.New("execution coordinator closed")
)

// IsRejection reports whether err is one of the dispatch gating errors.
func IsRejection(err error) bool {
	return errors.IsAny(err, ErrJobDisabled, ErrAlreadyRunning, ErrConcurrencyLimit)
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrJobDisabled):
		return "disabled"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrConcurrencyLimit):
		return "concurrency_limit"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
