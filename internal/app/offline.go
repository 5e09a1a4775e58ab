package app

import (
	"github.com/cockroachdb/errors"

	"akari/internal/config"
	"akari/internal/storage"
	"akari/internal/task"
	logx "akari/pkg/logx"
)

// NewOfflineScheduler builds a scheduler from cfg without starting it. The
// CLI uses it for previews and one-off runs; nothing is recorded.
func NewOfflineScheduler(cfg *config.Config, log logx.Logger) (*task.Scheduler, error) {
	tc, err := mapTaskConfig(cfg)
	if err != nil {
		return nil, err
	}
	return task.New(tc, log, nil, nil), nil
}

// OpenStore opens the execution log configured in cfg. It returns
// storage.ErrDisabled when no storage is configured.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, errors.WithHint(storage.ErrDisabled, "set storage.driver and storage.path in the config file")
	}
	return storage.Open(sc, log)
}
