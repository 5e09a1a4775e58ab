package runner

import "github.com/cockroachdb/errors"

var (
	// ErrTimedOut is returned once a process outlived its timeout and has been terminated and reaped.
	ErrTimedOut = errors.New("process timed out")
	// ErrSpawnFailure marks commands that could not be started (not found, not executable).
	ErrSpawnFailure = errors.New("spawn failed")

	errGracefulUnsupported = errors.New("graceful termination unsupported")
)
