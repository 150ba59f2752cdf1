// Package fsutil decides when files written by another party (a speech
// client, ffmpeg, rhubarb) are safe to read.
package fsutil

import (
	"context"
	"os"
	"time"

	"github.com/sipeed/picoavatar/pkg/logger"
)

// StablePolls is the number of consecutive samples that must report the same
// non-zero size before a file counts as fully written.
const StablePolls = 3

const (
	DefaultCreationWait  = 5 * time.Second
	DefaultStabilityWait = 2 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
)

// AwaitStable polls path every interval until its size is non-zero and
// unchanged across StablePolls consecutive samples. It returns false when
// maxWait elapses or ctx is cancelled first, whether the file never appeared
// or never settled.
func AwaitStable(ctx context.Context, path string, maxWait, interval time.Duration) bool {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last int64 = -1
	same := 0
	for {
		size := sizeOf(path)
		switch {
		case size <= 0:
			same = 0
		case size == last:
			same++
		default:
			same = 1
		}
		last = size
		if same >= StablePolls {
			return true
		}

		select {
		case <-ctx.Done():
			logger.DebugCF("fsutil", "File did not stabilize", map[string]any{
				"path":      path,
				"last_size": last,
				"samples":   same,
			})
			return false
		case <-ticker.C:
		}
	}
}

// WaitForFile blocks until path exists with a non-zero size.
func WaitForFile(ctx context.Context, path string, maxWait, interval time.Duration) bool {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if sizeOf(path) > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Monitor bundles the readiness timings used between pipeline stages.
type Monitor struct {
	CreationWait  time.Duration
	StabilityWait time.Duration
	PollInterval  time.Duration
}

func DefaultMonitor() Monitor {
	return Monitor{
		CreationWait:  DefaultCreationWait,
		StabilityWait: DefaultStabilityWait,
		PollInterval:  DefaultPollInterval,
	}
}

// Ready waits for path to appear and then to stop growing.
func (m Monitor) Ready(ctx context.Context, path string) bool {
	if !WaitForFile(ctx, path, m.CreationWait, m.PollInterval) {
		logger.WarnCF("fsutil", "File was not created in time", map[string]any{
			"path": path,
			"wait": m.CreationWait.String(),
		})
		return false
	}
	if !AwaitStable(ctx, path, m.StabilityWait, m.PollInterval) {
		logger.WarnCF("fsutil", "File size did not settle", map[string]any{
			"path": path,
			"wait": m.StabilityWait.String(),
		})
		return false
	}
	return true
}

func sizeOf(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return -1
	}
	return info.Size()
}
