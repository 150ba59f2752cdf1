package media

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sipeed/picoavatar/pkg/audio"
	"github.com/sipeed/picoavatar/pkg/fsutil"
	"github.com/sipeed/picoavatar/pkg/logger"
)

// encodedTolerance is the slack allowed between the expected and actual
// base64 length.
const encodedTolerance = 4

// Encoder turns a finished audio file into base64 for the client. It never
// fails: an empty string means the audio is unavailable, and the reason is
// logged.
type Encoder struct {
	StabilityWait time.Duration
	PollInterval  time.Duration
}

func NewEncoder(stabilityWait, pollInterval time.Duration) *Encoder {
	if stabilityWait <= 0 {
		stabilityWait = fsutil.DefaultStabilityWait
	}
	if pollInterval <= 0 {
		pollInterval = fsutil.DefaultPollInterval
	}
	return &Encoder{StabilityWait: stabilityWait, PollInterval: pollInterval}
}

func (e *Encoder) Encode(ctx context.Context, path string) string {
	res := audio.Validate(path, formatFor(path))
	switch {
	case !res.Exists:
		return e.skip(path, "file does not exist", nil)
	case !res.Readable:
		return e.skip(path, "file is not readable", map[string]any{"reason": res.Reason})
	case res.SizeBytes == 0:
		return e.skip(path, "file is empty", nil)
	case !res.FormatOK:
		return e.skip(path, "file failed format validation", map[string]any{"reason": res.Reason})
	}

	if !fsutil.AwaitStable(ctx, path, e.StabilityWait, e.PollInterval) {
		return e.skip(path, "file size did not stabilize", map[string]any{"wait": e.StabilityWait.String()})
	}

	info, err := os.Stat(path)
	if err != nil {
		return e.skip(path, "file disappeared before read", map[string]any{"error": err})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return e.skip(path, "failed to read file", map[string]any{"error": err})
	}
	if len(data) == 0 {
		return e.skip(path, "read returned no data", nil)
	}
	if int64(len(data)) != info.Size() {
		logger.WarnCF("media", "Read length differs from file size", map[string]any{
			"path":      path,
			"read":      len(data),
			"stat_size": info.Size(),
		})
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	want := (len(data) + 2) / 3 * 4
	if diff := len(encoded) - want; diff > encodedTolerance || diff < -encodedTolerance {
		return e.skip(path, "encoded length out of tolerance", map[string]any{
			"encoded":  len(encoded),
			"expected": want,
		})
	}

	logger.DebugCF("media", "Encoded audio", map[string]any{
		"path":    path,
		"bytes":   len(data),
		"encoded": len(encoded),
	})
	return encoded
}

func (e *Encoder) skip(path, reason string, fields map[string]any) string {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["path"] = path
	logger.WarnCF("media", "Audio unavailable: "+reason, fields)
	return ""
}

func formatFor(path string) audio.Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtCompressed:
		return audio.FormatMP3
	case ExtUncompressed:
		return audio.FormatWAV
	default:
		return audio.FormatAny
	}
}
