package lipsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoavatar/pkg/audio"
	"github.com/sipeed/picoavatar/pkg/fsutil"
	"github.com/sipeed/picoavatar/pkg/logger"
	"github.com/sipeed/picoavatar/pkg/procrun"
)

type Category string

const (
	CategoryToolUnavailable Category = "tool_unavailable"
	CategoryInvalidInput    Category = "invalid_input"
	CategoryTimeout         Category = "timeout"
	CategoryToolRejected    Category = "tool_rejected"
	CategoryBadOutput       Category = "bad_output"
)

type ExtractionError struct {
	Category Category
	Output   string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("viseme extraction %s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("viseme extraction %s", e.Category)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor runs Rhubarb Lip Sync over uncompressed speech.
type Extractor struct {
	Runner       procrun.Runner
	RhubarbPath  string
	Mode         string
	ProbeTimeout time.Duration
	Monitor      fsutil.Monitor

	probeMu sync.Mutex
	probed  bool
}

func NewExtractor(runner procrun.Runner, rhubarbPath, mode string, probeTimeout time.Duration, monitor fsutil.Monitor) *Extractor {
	if rhubarbPath == "" {
		rhubarbPath = "rhubarb"
	}
	if mode == "" {
		mode = "phonetic"
	}
	return &Extractor{
		Runner:       runner,
		RhubarbPath:  rhubarbPath,
		Mode:         mode,
		ProbeTimeout: probeTimeout,
		Monitor:      monitor,
	}
}

func (e *Extractor) Args(in, out string) []string {
	return []string{"-f", "json", "-o", out, in, "-r", e.Mode}
}

// Probe checks that rhubarb answers a version query. Success is remembered.
func (e *Extractor) Probe(ctx context.Context) (string, error) {
	e.probeMu.Lock()
	defer e.probeMu.Unlock()

	version, err := procrun.Probe(ctx, e.Runner, e.ProbeTimeout, e.RhubarbPath, "--version")
	e.probed = err == nil
	return version, err
}

func (e *Extractor) ensureTool(ctx context.Context) error {
	e.probeMu.Lock()
	probed := e.probed
	e.probeMu.Unlock()
	if probed {
		return nil
	}
	_, err := e.Probe(ctx)
	return err
}

// Extract writes the timing track for inPath to outPath and returns it with
// soundFile normalized. Failures are *ExtractionError.
func (e *Extractor) Extract(ctx context.Context, inPath, outPath string) (*Track, error) {
	if err := e.ensureTool(ctx); err != nil {
		return nil, &ExtractionError{Category: CategoryToolUnavailable, Err: err}
	}

	if in := audio.Validate(inPath, audio.FormatWAV); !in.OK() {
		return nil, &ExtractionError{Category: CategoryInvalidInput, Err: errors.New(in.Reason)}
	}

	start := time.Now()
	if _, err := e.Runner.Run(ctx, e.RhubarbPath, e.Args(inPath, outPath)...); err != nil {
		return nil, classifyRunError(err)
	}

	if !e.Monitor.Ready(ctx, outPath) {
		return nil, &ExtractionError{Category: CategoryBadOutput, Err: errors.New("track file not ready")}
	}

	track, err := ReadTrack(outPath)
	if err != nil {
		return nil, &ExtractionError{Category: CategoryBadOutput, Err: err}
	}
	track.Metadata.DurationSource = SourceMeasured
	track.Metadata.IsFallback = false
	if err := WriteTrack(outPath, track); err != nil {
		return nil, &ExtractionError{Category: CategoryBadOutput, Err: fmt.Errorf("rewrite track: %w", err)}
	}

	logger.InfoCF("lipsync", "Extracted mouth cues", map[string]any{
		"input":    inPath,
		"output":   outPath,
		"cues":     len(track.MouthCues),
		"seconds":  track.Duration(),
		"duration": time.Since(start).String(),
	})
	return track, nil
}

func classifyRunError(err error) *ExtractionError {
	var perr *procrun.Error
	if !errors.As(err, &perr) {
		return &ExtractionError{Category: CategoryToolRejected, Err: err}
	}
	switch {
	case perr.NotFound:
		return &ExtractionError{Category: CategoryToolUnavailable, Err: err}
	case perr.TimedOut:
		return &ExtractionError{Category: CategoryTimeout, Output: perr.Output(), Err: err}
	}
	out := perr.Output()
	lower := strings.ToLower(out)
	if strings.Contains(lower, "could not open") || strings.Contains(lower, "unsupported") || strings.Contains(lower, "not a valid") {
		return &ExtractionError{Category: CategoryInvalidInput, Output: out, Err: err}
	}
	return &ExtractionError{Category: CategoryToolRejected, Output: out, Err: err}
}
