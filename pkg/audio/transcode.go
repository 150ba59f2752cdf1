package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoavatar/pkg/fsutil"
	"github.com/sipeed/picoavatar/pkg/logger"
	"github.com/sipeed/picoavatar/pkg/procrun"
)

// MinTranscodedBytes is the smallest WAV output accepted from the transcoder.
const MinTranscodedBytes = 100

type Category string

const (
	CategoryToolUnavailable Category = "tool_unavailable"
	CategoryMissingInput    Category = "missing_input"
	CategoryPermission      Category = "permission_denied"
	CategoryCorruptInput    Category = "corrupt_input"
	CategoryMissingCodec    Category = "missing_codec"
	CategoryTimeout         Category = "timeout"
	CategoryBadOutput       Category = "bad_output"
	CategoryGeneric         Category = "generic"
)

type TranscodeError struct {
	Category Category
	Output   string
	Err      error
}

func (e *TranscodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcode %s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("transcode %s", e.Category)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// ClassifyOutput maps transcoder error text onto a failure category.
func ClassifyOutput(output string) Category {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "no such file or directory"),
		strings.Contains(lower, "does not exist"):
		return CategoryMissingInput
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "operation not permitted"):
		return CategoryPermission
	case strings.Contains(lower, "unknown encoder"),
		strings.Contains(lower, "unknown decoder"),
		strings.Contains(lower, "encoder not found"),
		strings.Contains(lower, "decoder not found"),
		strings.Contains(lower, "codec not currently supported"):
		return CategoryMissingCodec
	case strings.Contains(lower, "invalid data found"),
		strings.Contains(lower, "header missing"),
		strings.Contains(lower, "could not find codec parameters"),
		strings.Contains(lower, "invalid argument"),
		strings.Contains(lower, "end of file"):
		return CategoryCorruptInput
	default:
		return CategoryGeneric
	}
}

// Transcoder converts compressed speech to 16-bit mono PCM WAV with ffmpeg.
type Transcoder struct {
	Runner       procrun.Runner
	FFmpegPath   string
	ProbeTimeout time.Duration
	Monitor      fsutil.Monitor

	probeMu sync.Mutex
	probed  bool
}

func NewTranscoder(runner procrun.Runner, ffmpegPath string, probeTimeout time.Duration, monitor fsutil.Monitor) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Transcoder{
		Runner:       runner,
		FFmpegPath:   ffmpegPath,
		ProbeTimeout: probeTimeout,
		Monitor:      monitor,
	}
}

// Args returns the transcoder command line for in -> out.
func (t *Transcoder) Args(in, out string) []string {
	return []string{"-y", "-i", in, "-vn", "-acodec", "pcm_s16le", "-ar", "44100", "-ac", "1", out}
}

// Probe checks that ffmpeg answers a version query. Success is remembered.
func (t *Transcoder) Probe(ctx context.Context) (string, error) {
	t.probeMu.Lock()
	defer t.probeMu.Unlock()

	version, err := procrun.Probe(ctx, t.Runner, t.ProbeTimeout, t.FFmpegPath, "-version")
	if err != nil {
		t.probed = false
		return "", err
	}
	t.probed = true
	return version, nil
}

func (t *Transcoder) ensureTool(ctx context.Context) error {
	t.probeMu.Lock()
	probed := t.probed
	t.probeMu.Unlock()
	if probed {
		return nil
	}
	version, err := t.Probe(ctx)
	if err != nil {
		return err
	}
	logger.DebugCF("audio", "Transcoder available", map[string]any{"version": version})
	return nil
}

// Transcode converts inPath to a WAV at outPath. It is never retried; any
// failure comes back as a *TranscodeError.
func (t *Transcoder) Transcode(ctx context.Context, inPath, outPath string) error {
	if err := t.ensureTool(ctx); err != nil {
		return &TranscodeError{Category: CategoryToolUnavailable, Err: err}
	}

	if in := Validate(inPath, FormatMP3); !in.OK() {
		cat := CategoryCorruptInput
		if !in.Exists {
			cat = CategoryMissingInput
		} else if !in.Readable {
			cat = CategoryPermission
		}
		return &TranscodeError{Category: cat, Err: errors.New(in.Reason)}
	}

	start := time.Now()
	_, err := t.Runner.Run(ctx, t.FFmpegPath, t.Args(inPath, outPath)...)
	if err != nil {
		return classifyRunError(err)
	}

	if !t.Monitor.Ready(ctx, outPath) {
		return &TranscodeError{Category: CategoryBadOutput, Err: errors.New("output file not ready")}
	}
	out := Validate(outPath, FormatAny)
	if !out.OK() {
		return &TranscodeError{Category: CategoryBadOutput, Err: errors.New(out.Reason)}
	}
	if out.SizeBytes < MinTranscodedBytes {
		return &TranscodeError{
			Category: CategoryBadOutput,
			Err:      fmt.Errorf("output is only %d bytes", out.SizeBytes),
		}
	}

	logger.InfoCF("audio", "Transcoded audio", map[string]any{
		"input":    inPath,
		"output":   outPath,
		"bytes":    out.SizeBytes,
		"duration": time.Since(start).String(),
	})
	return nil
}

func classifyRunError(err error) *TranscodeError {
	var perr *procrun.Error
	if !errors.As(err, &perr) {
		return &TranscodeError{Category: CategoryGeneric, Err: err}
	}
	switch {
	case perr.NotFound:
		return &TranscodeError{Category: CategoryToolUnavailable, Err: err}
	case perr.TimedOut:
		return &TranscodeError{Category: CategoryTimeout, Output: perr.Output(), Err: err}
	default:
		return &TranscodeError{Category: ClassifyOutput(perr.Output()), Output: perr.Output(), Err: err}
	}
}
