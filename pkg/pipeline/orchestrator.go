package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sipeed/picoavatar/pkg/audio"
	"github.com/sipeed/picoavatar/pkg/lipsync"
	"github.com/sipeed/picoavatar/pkg/logger"
	"github.com/sipeed/picoavatar/pkg/media"
)

const (
	DefaultRetryDelay     = 500 * time.Millisecond
	DefaultMessageTimeout = 2 * time.Minute
	DefaultMIME           = "audio/mpeg"

	// fallbackEncodeWait bounds the encode attempt made after a failure,
	// when the message context may already be spent.
	fallbackEncodeWait = 3 * time.Second
)

// ErrSynthesisOutputInvalid means synthesis reported success but the file
// did not pass format validation, even after one retry.
var ErrSynthesisOutputInvalid = errors.New("synthesized audio failed validation")

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID, outPath string) error
}

type Transcoder interface {
	Transcode(ctx context.Context, inPath, outPath string) error
}

type Extractor interface {
	Extract(ctx context.Context, inPath, outPath string) (*lipsync.Track, error)
}

// AudioEncoder returns "" when the audio is unavailable.
type AudioEncoder interface {
	Encode(ctx context.Context, path string) string
}

// Recorder receives every ErrorRecord the orchestrator emits.
type Recorder interface {
	Record(ctx context.Context, rec ErrorRecord) error
}

type Deps struct {
	Synthesizer Synthesizer
	Transcoder  Transcoder
	Extractor   Extractor
	Encoder     AudioEncoder
	Fallback    *lipsync.FallbackBuilder
	Recorder    Recorder
}

type Options struct {
	VoiceID        string
	RetryDelay     time.Duration
	MessageTimeout time.Duration
	Concurrency    int
	DefaultMIME    string
}

// Orchestrator holds configuration and collaborators only; every call
// carries its own artifact state.
type Orchestrator struct {
	deps Deps
	opts Options

	cacheLocks sync.Map

	// validate checks a synthesized file; replaced in tests to observe retries.
	validate func(path string, want audio.Format) audio.ValidationResult
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Fallback == nil {
		deps.Fallback = lipsync.NewFallbackBuilder(nil)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = DefaultMessageTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DefaultMIME == "" {
		opts.DefaultMIME = DefaultMIME
	}
	return &Orchestrator{deps: deps, opts: opts, validate: audio.Validate}
}

func (o *Orchestrator) Options() Options { return o.opts }

// Process runs text through synthesis, transcode, extraction and encoding.
// It never fails: the returned artifact is either ENCODED or FALLBACK, and
// always carries a track.
func (o *Orchestrator) Process(ctx context.Context, index int, text string, paths media.Paths) *Artifact {
	art := NewArtifact(index, text, paths)
	ctx, cancel := context.WithTimeout(ctx, o.opts.MessageTimeout)
	defer cancel()

	clearStale(paths)
	start := time.Now()

	if err := o.deps.Synthesizer.Synthesize(ctx, text, o.opts.VoiceID, paths.Compressed); err != nil {
		return o.fail(ctx, art, StepSynthesis, err, false)
	}
	if !o.validateSynthesized(ctx, paths.Compressed) {
		return o.fail(ctx, art, StepSynthesis, ErrSynthesisOutputInvalid, false)
	}
	o.advance(art, StageSynthesized)

	if err := o.deps.Transcoder.Transcode(ctx, paths.Compressed, paths.Uncompressed); err != nil {
		return o.fail(ctx, art, StepTranscode, err, true)
	}
	o.advance(art, StageTranscoded)

	track, err := o.deps.Extractor.Extract(ctx, paths.Uncompressed, paths.Track)
	if err != nil {
		return o.fail(ctx, art, StepExtraction, err, true)
	}
	art.Track = track
	o.advance(art, StageExtracted)

	encoded := o.deps.Encoder.Encode(ctx, paths.Compressed)
	if encoded == "" {
		return o.fail(ctx, art, StepEncoding, ErrEncodeUnavailable, false)
	}
	art.Audio = encoded
	art.AudioMIME = audio.DetectMIME(paths.Compressed, o.opts.DefaultMIME)
	o.advance(art, StageEncoded)

	logger.InfoCF("pipeline", "Artifact encoded", map[string]any{
		"artifact": art.ID,
		"index":    index,
		"duration": track.Duration(),
		"cues":     len(track.MouthCues),
		"elapsed":  time.Since(start).String(),
	})
	return art
}

// validateSynthesized checks the synthesized file, retrying once after
// RetryDelay to cover write-visibility races.
func (o *Orchestrator) validateSynthesized(ctx context.Context, path string) bool {
	res := o.validate(path, audio.FormatMP3)
	if res.OK() {
		return true
	}
	logger.WarnCF("pipeline", "Synthesized audio failed validation, retrying once", map[string]any{
		"path":   path,
		"reason": res.Reason,
		"delay":  o.opts.RetryDelay.String(),
	})

	t := time.NewTimer(o.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	return o.validate(path, audio.FormatMP3).OK()
}

// fail records err, moves art to FALLBACK and fills in synthetic output.
// realAudio says whether the compressed file is the product of this run and
// may be offered to the client.
func (o *Orchestrator) fail(ctx context.Context, art *Artifact, step Step, err error, realAudio bool) *Artifact {
	rec := NewRecord(step, err, art)
	art.Errors = append(art.Errors, rec)
	o.record(ctx, rec)
	o.advance(art, StageFallback)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackEncodeWait)
	defer cancel()

	// A valid compressed file sizes the track even when it cannot be sent.
	hint := ""
	if realAudio && o.validate(art.Paths.Compressed, audio.FormatMP3).OK() {
		hint = art.Paths.Compressed
		if encoded := o.deps.Encoder.Encode(fctx, art.Paths.Compressed); encoded != "" {
			art.Audio = encoded
			art.AudioMIME = audio.DetectMIME(art.Paths.Compressed, o.opts.DefaultMIME)
		}
	}

	art.Track = o.fallbackTrack(art, hint)
	if werr := lipsync.WriteTrack(art.Paths.Track, art.Track); werr != nil {
		logger.DebugCF("pipeline", "Could not persist fallback track", map[string]any{
			"path":  art.Paths.Track,
			"error": werr,
		})
	}

	logger.WarnCF("pipeline", "Artifact fell back", map[string]any{
		"artifact":        art.ID,
		"index":           art.Index,
		"stage":           string(step),
		"code":            rec.Code,
		"real_audio":      art.Audio != "",
		"duration_source": string(art.Track.Metadata.DurationSource),
	})
	return art
}

// fallbackTrack builds the synthetic track for the artifact's own audio
// path. hint, when set, names validated real audio and drives the duration
// estimate.
func (o *Orchestrator) fallbackTrack(art *Artifact, hint string) (track *lipsync.Track) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("pipeline", "Fallback construction failed, using last resort track", map[string]any{
				"index": art.Index,
				"panic": fmt.Sprint(r),
			})
			track = o.deps.Fallback.LastResort(art.Paths.Compressed)
		}
	}()

	track = o.deps.Fallback.Build(art.SourceText, art.Index, art.Paths.Compressed, hint)
	if err := track.Validate(); err != nil {
		logger.ErrorCF("pipeline", "Fallback track invalid, using last resort track", map[string]any{
			"index": art.Index,
			"error": err,
		})
		track = o.deps.Fallback.LastResort(art.Paths.Compressed)
	}
	return track
}

func (o *Orchestrator) advance(art *Artifact, to Stage) {
	if err := art.advance(to); err != nil {
		logger.ErrorCF("pipeline", "Unexpected stage transition", map[string]any{"error": err})
	}
}

func (o *Orchestrator) record(ctx context.Context, rec ErrorRecord) {
	if o.deps.Recorder == nil {
		return
	}
	if err := o.deps.Recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		logger.WarnCF("pipeline", "Failed to record error", map[string]any{
			"code":  rec.Code,
			"error": err,
		})
	}
}

// clearStale removes byproducts of an earlier cycle that reused these paths,
// so no stage mistakes an old file for fresh output.
func clearStale(paths media.Paths) {
	for _, p := range []string{paths.Compressed, paths.Uncompressed, paths.Track} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.DebugCF("pipeline", "Could not clear stale file", map[string]any{
				"path":  p,
				"error": err,
			})
		}
	}
}
