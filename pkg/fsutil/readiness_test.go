package fsutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitStable_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message_0.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3 payload"), 0o644))

	start := time.Now()
	assert.True(t, AwaitStable(context.Background(), path, time.Second, 10*time.Millisecond))
	// three samples means at least two intervals
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestAwaitStable_MissingFileTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.mp3")
	assert.False(t, AwaitStable(context.Background(), path, 80*time.Millisecond, 10*time.Millisecond))
}

func TestAwaitStable_EmptyFileNeverReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wav")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	assert.False(t, AwaitStable(context.Background(), path, 80*time.Millisecond, 10*time.Millisecond))
}

func TestAwaitStable_GrowingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "growing.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = f.Write([]byte("x"))
			}
		}
	}()

	assert.False(t, AwaitStable(context.Background(), path, 100*time.Millisecond, 10*time.Millisecond))
	close(stop)

	assert.True(t, AwaitStable(context.Background(), path, time.Second, 10*time.Millisecond))
}

func TestAwaitStable_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := filepath.Join(t.TempDir(), "x.mp3")
	assert.False(t, AwaitStable(ctx, path, time.Second, 10*time.Millisecond))
}

func TestMonitorReady_FileAppearsLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.json")
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(path, []byte(`{"mouthCues":[]}`), 0o644)
	}()

	m := Monitor{CreationWait: time.Second, StabilityWait: time.Second, PollInterval: 10 * time.Millisecond}
	assert.True(t, m.Ready(context.Background(), path))
}

func TestMonitorReady_NeverCreated(t *testing.T) {
	m := Monitor{CreationWait: 50 * time.Millisecond, StabilityWait: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}
	assert.False(t, m.Ready(context.Background(), filepath.Join(t.TempDir(), "missing")))
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "message_1.json")
	require.NoError(t, WriteFileAtomic(path, []byte(`{"ok":true}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be cleaned up")
}
