package app

import (
	"strings"

	"github.com/cockroachdb/errors"

	"akari/internal/config"
	"akari/internal/observability/debug"
	"akari/internal/storage"
	"akari/internal/task"
	"akari/internal/task/engine"
	"akari/internal/task/runner"
	"akari/internal/task/scheduler"
	logx "akari/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, errors.Newf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskConfig builds the engine settings. Zero values are left for each
// component to default.
func mapTaskConfig(cfg *config.Config) (task.Config, error) {
	if cfg == nil {
		return task.Config{}, nil
	}
	grace, err := config.ParseDurationOrDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, scheduler.DefaultMisfireGrace)
	if err != nil {
		return task.Config{}, err
	}
	scope, err := engine.ParseScope(cfg.Engine.ConcurrencyScope)
	if err != nil {
		return task.Config{}, errors.Wrap(err, "engine.concurrency_scope")
	}
	sinkTimeout, err := config.ParseDurationField("engine.sink_timeout", cfg.Engine.SinkTimeout)
	if err != nil {
		return task.Config{}, err
	}
	killGrace, err := config.ParseDurationField("runner.kill_grace", cfg.Runner.KillGrace)
	if err != nil {
		return task.Config{}, err
	}

	return task.Config{
		Scheduler: scheduler.Config{
			Enabled:      cfg.Scheduler.IsEnabled(),
			Timezone:     strings.TrimSpace(cfg.Scheduler.Timezone),
			MisfireGrace: grace,
		},
		Engine: engine.Config{
			ConcurrencyScope: scope,
			GateManual:       cfg.Engine.GateManual,
			HistorySize:      cfg.Engine.HistorySize,
			SinkTimeout:      sinkTimeout,
		},
		Runner: runner.Config{
			Workers:   cfg.Runner.Workers,
			KillGrace: killGrace,
		},
	}, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	if cfg == nil || cfg.Debug == nil {
		return debug.Config{}, nil
	}
	out := debug.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         strings.TrimSpace(cfg.Debug.Token),
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
	if out.Enabled {
		if err := debug.CheckExposure(out); err != nil {
			return debug.Config{}, err
		}
	}
	return out, nil
}
