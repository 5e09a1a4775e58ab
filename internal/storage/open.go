package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"akari/internal/job"
	logx "akari/pkg/logx"
)

// Store is the execution log. Record satisfies engine.LogSink.
type Store interface {
	// Record inserts e or replaces the record with the same id.
	Record(ctx context.Context, e job.Execution) error
	// List returns matching executions, newest start first.
	List(ctx context.Context, f Filter) ([]job.Execution, error)
	Get(ctx context.Context, id string) (job.Execution, error)
	// Prune deletes executions that started before t and reports how many.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}
