package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"akari/internal/config"
	"akari/internal/task/engine"
	"akari/internal/task/scheduler"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{name: "absent"},
		{name: "none", in: &config.StorageConfig{Driver: "none"}},
		{name: "file", in: &config.StorageConfig{Driver: "File", Path: "x.jsonl"}, enabled: true, driver: "file"},
		{name: "sqlite", in: &config.StorageConfig{Driver: "sqlite3", Path: "x.db", BusyTimeout: "2s"}, enabled: true, driver: "sqlite3"},
		{name: "missing path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis", Path: "x"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.enabled, enabled)
			assert.Equal(t, tc.driver, sc.Driver)
		})
	}
}

func TestMapTaskConfig(t *testing.T) {
	t.Parallel()
	off := false
	tc, err := mapTaskConfig(&config.Config{
		Scheduler: config.SchedulerConfig{Enabled: &off, Timezone: " Europe/Berlin "},
		Engine:    config.EngineConfig{ConcurrencyScope: "job", SinkTimeout: "2s"},
		Runner:    config.RunnerConfig{Workers: 3, KillGrace: "1s"},
	})
	require.NoError(t, err)
	assert.False(t, tc.Scheduler.Enabled)
	assert.Equal(t, "Europe/Berlin", tc.Scheduler.Timezone)
	assert.Equal(t, scheduler.DefaultMisfireGrace, tc.Scheduler.MisfireGrace)
	assert.Equal(t, engine.ScopeJob, tc.Engine.ConcurrencyScope)
	assert.Equal(t, 2*time.Second, tc.Engine.SinkTimeout)
	assert.Equal(t, 3, tc.Runner.Workers)
	assert.Equal(t, time.Second, tc.Runner.KillGrace)

	_, err = mapTaskConfig(&config.Config{Engine: config.EngineConfig{ConcurrencyScope: "planet"}})
	assert.Error(t, err)
}

func TestMapDebugConfig(t *testing.T) {
	t.Parallel()
	dc, err := mapDebugConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, dc.Enabled)

	dc, err = mapDebugConfig(&config.Config{Debug: &config.DebugConfig{Enabled: true, Addr: " 127.0.0.1:6061 "}})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6061", dc.Addr)

	_, err = mapDebugConfig(&config.Config{Debug: &config.DebugConfig{Enabled: true, Addr: "0.0.0.0:6061"}})
	assert.Error(t, err)

	// Disabled listeners are not checked.
	_, err = mapDebugConfig(&config.Config{Debug: &config.DebugConfig{Addr: "0.0.0.0:6061"}})
	assert.NoError(t, err)
}
