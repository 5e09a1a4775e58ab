package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled} {
		assert.True(t, s.Terminal(), s.String())
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]Status{
		"completed": StatusCompleted,
		"TIMEOUT":   StatusTimeout,
		" failed ":  StatusFailed,
		"6":         StatusCancelled,
	}
	for in, want := range cases {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "DONE", "0", "7"} {
		_, err := ParseStatus(bad)
		assert.Error(t, err, bad)
	}
}

func TestExecutionJSONUsesStatusNames(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Execution{ID: "x", JobID: 3, CommandLine: "sleep 10", Status: StatusPending, StartedAt: start}
	e.Finish(StatusTimeout, start.Add(time.Second))
	e.ExitCode = IntPtr(TimedOutExitCode)
	e.ErrorMessage = StrPtr("Task timed out after 1 seconds")

	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"status":"TIMEOUT"`)
	assert.Contains(t, string(b), `"exit_code":-1`)

	var back Execution
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, StatusTimeout, back.Status)
	assert.Equal(t, time.Second, back.Duration)
	require.NotNil(t, back.ExitCode)
	assert.Equal(t, -1, *back.ExitCode)
}

func TestExecutionCloneDoesNotShare(t *testing.T) {
	t.Parallel()

	e := Execution{ExitCode: IntPtr(2), ErrorMessage: StrPtr("boom")}
	cp := e.Clone()
	*cp.ExitCode = 9
	*cp.ErrorMessage = "other"
	assert.Equal(t, 2, *e.ExitCode)
	assert.Equal(t, "boom", *e.ErrorMessage)
}
