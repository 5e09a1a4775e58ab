package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "akari/pkg/logx"
)

// Validate checks everything that can be checked without building services:
// durations, level, timezone, storage driver and every job declaration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if lv := strings.TrimSpace(c.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		return errors.Newf("logging.level: unknown level %q", lv)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return errors.New("logging.file.path is required when logging.file.enabled is true")
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.Wrapf(err, "scheduler.timezone: invalid %q", tz)
		}
	}
	durations := []struct{ path, raw string }{
		{"scheduler.misfire_grace", c.Scheduler.MisfireGrace},
		{"engine.sink_timeout", c.Engine.SinkTimeout},
		{"runner.kill_grace", c.Runner.KillGrace},
	}
	if c.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Engine.HistorySize < 0 {
		return errors.New("engine.history_size must be >= 0")
	}
	if c.Runner.Workers < 0 {
		return errors.New("runner.workers must be >= 0")
	}

	if c.Storage != nil {
		switch d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Path) == "" {
				return errors.Newf("storage.path is required when storage.driver=%s", d)
			}
		default:
			return errors.Newf("unknown storage.driver: %s", c.Storage.Driver)
		}
	}

	_, err := c.BuildJobs()
	return err
}
