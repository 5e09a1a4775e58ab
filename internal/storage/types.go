package storage

import (
	"time"

	"github.com/cockroachdb/errors"

	"akari/internal/job"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("execution not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, one line per write
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

const (
	DefaultListLimit   = 100
	MaxListLimit       = 1000
	defaultBusyTimeout = 5 * time.Second
)

// Filter selects executions for List. Zero fields match everything.
type Filter struct {
	JobID  job.ID
	Status job.Status
	Limit  int // clamped to [1, MaxListLimit]; 0 means DefaultListLimit
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

func (f Filter) match(e job.Execution) bool {
	if f.JobID != 0 && e.JobID != f.JobID {
		return false
	}
	if f.Status != 0 && e.Status != f.Status {
		return false
	}
	return true
}
