//go:build !windows

package procrun

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_Success(t *testing.T) {
	r := NewExecRunner(5 * time.Second)

	res, err := r.Run(context.Background(), "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestExecRunner_NotFound(t *testing.T) {
	r := NewExecRunner(time.Second)

	_, err := r.Run(context.Background(), "definitely-not-a-real-tool-xyz", "-version")
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.NotFound)
	assert.Contains(t, err.Error(), "executable not found")
}

func TestExecRunner_ExitCodeAndOutput(t *testing.T) {
	r := NewExecRunner(5 * time.Second)

	_, err := r.Run(context.Background(), "sh", "-c", "echo partial; echo 'Invalid data found when processing input' >&2; exit 3")
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.ExitCode)
	assert.False(t, perr.TimedOut)
	assert.Equal(t, "partial\n", perr.Stdout)
	assert.Contains(t, perr.Output(), "Invalid data found")
	assert.Contains(t, err.Error(), "exit code 3: Invalid data found when processing input")
}

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func TestExecRunner_TimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	r := &ExecRunner{Timeout: 300 * time.Millisecond, Dir: dir}

	start := time.Now()
	_, err := r.Run(context.Background(), "sh", "-c", "sleep 60 & echo $! > child.pid; wait")
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)

	data, err := os.ReadFile(filepath.Join(dir, "child.pid"))
	require.NoError(t, err)
	childPID, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && processExists(childPID) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.False(t, processExists(childPID), "child process %d still running", childPID)
}

func TestProbe_FirstLine(t *testing.T) {
	out, err := Probe(context.Background(), NewExecRunner(0), time.Second, "sh", "-c", "echo 'ffmpeg version 6.1'; echo 'built with gcc'")
	require.NoError(t, err)
	assert.Equal(t, "ffmpeg version 6.1", out)
}

func TestProbe_FallsBackToStderr(t *testing.T) {
	out, err := Probe(context.Background(), NewExecRunner(0), time.Second, "sh", "-c", "echo 'Rhubarb Lip Sync version 1.13.0' >&2")
	require.NoError(t, err)
	assert.Equal(t, "Rhubarb Lip Sync version 1.13.0", out)
}

func TestProbe_UsesProbeTimeout(t *testing.T) {
	r := NewExecRunner(time.Minute)
	_, err := Probe(context.Background(), r, 200*time.Millisecond, "sh", "-c", "sleep 30")
	require.Error(t, err)
}

func TestRunnerFunc(t *testing.T) {
	var gotName string
	var gotArgs []string
	f := RunnerFunc(func(_ context.Context, name string, args ...string) (*Result, error) {
		gotName, gotArgs = name, args
		return &Result{Stdout: "ok"}, nil
	})

	res, err := f.Run(context.Background(), "rhubarb", "--version")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.Equal(t, "rhubarb", gotName)
	assert.Equal(t, []string{"--version"}, gotArgs)
}
