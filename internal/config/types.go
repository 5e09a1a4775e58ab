package config

// Config is the whole akari configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Runner    RunnerConfig    `json:"runner"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Debug     *DebugConfig    `json:"debug,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger engine.
//
// Enabled is a pointer so an omitted key defaults to true while an explicit
// false still stops all firing.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// MisfireGrace defaults to "60s".
	MisfireGrace string `json:"misfire_grace,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// EngineConfig controls the execution coordinator.
//
// Defaults (when fields are omitted/zero):
//   - concurrency_scope: "global"
//   - gate_manual: false
//   - history_size: 200
//   - sink_timeout: "5s"
type EngineConfig struct {
	ConcurrencyScope string `json:"concurrency_scope,omitempty"`
	GateManual       bool   `json:"gate_manual,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	SinkTimeout      string `json:"sink_timeout,omitempty"`
}

// RunnerConfig sizes the process runner. Changes need a restart.
type RunnerConfig struct {
	Workers   int    `json:"workers,omitempty"`
	KillGrace string `json:"kill_grace,omitempty"`
}

// StorageConfig controls the execution log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/akari.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the operator listener (/healthz, /status, /debug/pprof/).
//
// Example:
//
//	"debug": { "enabled": true, "addr": "127.0.0.1:6060" }
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// JobConfig declares one job. Exactly one of Cron and IntervalSeconds is set.
type JobConfig struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name,omitempty"`
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	Cron            string   `json:"cron,omitempty"`
	IntervalSeconds int      `json:"interval_seconds,omitempty"`
	Enabled         *bool    `json:"enabled,omitempty"`
	// Timeout is in whole seconds; 0 means 300.
	Timeout       int `json:"timeout,omitempty"`
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }
