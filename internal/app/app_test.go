//go:build !windows

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"akari/internal/job"
	"akari/internal/storage"
	"akari/internal/task/engine"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func startApp(t *testing.T, path string) *App {
	t.Helper()
	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func TestAppRecordsScheduledExecutions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "akari.json")
	writeConfig(t, path, `{
  "logging": {"level": "error"},
  "storage": {"driver": "file", "path": "`+filepath.Join(dir, "executions.jsonl")+`"},
  "jobs": [{"id": 1, "name": "hello", "command": "echo", "args": ["hi"], "interval_seconds": 1}]
}`)

	a := startApp(t, path)
	require.NotNil(t, a.Store())

	var got []job.Execution
	require.Eventually(t, func() bool {
		var err error
		got, err = a.Store().List(context.Background(), storage.Filter{JobID: 1, Status: job.StatusCompleted})
		return err == nil && len(got) > 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "hi\n", got[0].Stdout)
	require.NotNil(t, got[0].ExitCode)
	assert.Equal(t, 0, *got[0].ExitCode)
}

func TestAppReloadReconcilesJobs(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "akari.yaml")
	writeConfig(t, path, "logging: {level: error}\njobs:\n  - {id: 1, command: 'true', cron: '0 3 * * *'}\n  - {id: 2, command: 'true', interval_seconds: 3600}\n")

	a := startApp(t, path)
	armedIDs := func() []job.ID {
		var ids []job.ID
		for it := range a.Scheduler().ListArmed() {
			ids = append(ids, it.JobID)
		}
		slices.Sort(ids)
		return ids
	}
	require.Equal(t, []job.ID{1, 2}, armedIDs())
	// Give the watcher time to register the directory.
	time.Sleep(300 * time.Millisecond)

	// Drop job 1, disable job 2, add job 3.
	writeConfig(t, path, "logging: {level: error}\njobs:\n  - {id: 2, command: 'true', interval_seconds: 3600, enabled: false}\n  - {id: 3, command: 'true', interval_seconds: 60}\n")
	require.Eventually(t, func() bool {
		return slices.Equal(armedIDs(), []job.ID{3})
	}, 5*time.Second, 50*time.Millisecond)

	_, ok := a.Scheduler().Job(1)
	assert.False(t, ok)
	j2, ok := a.Scheduler().Job(2)
	require.True(t, ok)
	assert.False(t, j2.Enabled)
}

func TestAppReloadKeepsPreviousOnInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "akari.json")
	writeConfig(t, path, `{"logging": {"level": "error"}, "jobs": [{"id": 1, "command": "true", "interval_seconds": 60}]}`)

	a := startApp(t, path)
	time.Sleep(300 * time.Millisecond)
	writeConfig(t, path, `{"logging": {"level": "error"}, "engine": {"concurrency_scope": "planet"}, "jobs": []}`)
	time.Sleep(time.Second)

	assert.Len(t, slices.Collect(a.Scheduler().ListArmed()), 1)
	assert.Equal(t, engine.ScopeGlobal, a.Scheduler().Snapshot().Engine.Scope)
}

func TestAppServesStatus(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "akari.json")
	writeConfig(t, path, `{
  "logging": {"level": "error"},
  "debug": {"enabled": true, "addr": "127.0.0.1:0"},
  "jobs": [{"id": 9, "name": "nightly", "command": "true", "cron": "0 2 * * *"}]
}`)

	a := startApp(t, path)
	require.Eventually(t, func() bool { return a.dbg.Addr() != "" }, 3*time.Second, 10*time.Millisecond)

	res, err := http.Get("http://" + a.dbg.Addr() + "/status")
	require.NoError(t, err)
	defer res.Body.Close()
	var body struct {
		Scheduler struct {
			Jobs      int
			Scheduler struct{ Armed []struct{ JobID int64 } }
		} `json:"scheduler"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, 1, body.Scheduler.Jobs)
	require.Len(t, body.Scheduler.Scheduler.Armed, 1)
	assert.Equal(t, int64(9), body.Scheduler.Scheduler.Armed[0].JobID)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "akari.json")
	writeConfig(t, path, `{"jobs": []}`)
	a, err := NewApp(path)
	require.NoError(t, err)
	assert.NoError(t, a.Stop(context.Background(), StopUnknown))
	assert.Nil(t, a.Store())
}
