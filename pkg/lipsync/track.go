// Package lipsync produces mouth-cue timing tracks for synthesized speech,
// either measured by rhubarb or synthesized as a fallback.
package lipsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sipeed/picoavatar/pkg/fsutil"
)

type DurationSource string

const (
	SourceMeasured         DurationSource = "measured"
	SourceFileSizeEstimate DurationSource = "file-size-estimate"
	SourceWordCount        DurationSource = "word-count-estimate"
	SourceFixedDefault     DurationSource = "fixed-default"
)

// CompressedExt is the extension every stored soundFile points at.
const CompressedExt = ".mp3"

const endTolerance = 1e-6

type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Value string  `json:"value"`
}

type Metadata struct {
	SoundFile      string         `json:"soundFile"`
	Duration       float64        `json:"duration"`
	DurationSource DurationSource `json:"durationSource,omitempty"`
	IsFallback     bool           `json:"isFallback,omitempty"`
}

// Track is the rhubarb JSON document: metadata plus ordered mouth cues.
type Track struct {
	Metadata  *Metadata `json:"metadata"`
	MouthCues []Cue     `json:"mouthCues"`
}

func (t *Track) Duration() float64 {
	if t == nil || t.Metadata == nil {
		return 0
	}
	return t.Metadata.Duration
}

func (t *Track) IsFallback() bool {
	return t != nil && t.Metadata != nil && t.Metadata.IsFallback
}

var (
	ErrNoMetadata = errors.New("track has no metadata")
	ErrNoCues     = errors.New("track has no mouth cues")
)

// Validate checks the structural contract a consumer relies on: metadata
// present, at least one cue, each cue ending after it starts, cues in order
// without overlap.
func (t *Track) Validate() error {
	if t == nil || t.Metadata == nil {
		return ErrNoMetadata
	}
	if len(t.MouthCues) == 0 {
		return ErrNoCues
	}
	prevEnd := 0.0
	for i, c := range t.MouthCues {
		if c.End <= c.Start {
			return fmt.Errorf("cue %d ends at %.3f before it starts at %.3f", i, c.End, c.Start)
		}
		if c.Start < prevEnd-endTolerance {
			return fmt.Errorf("cue %d starts at %.3f inside the previous cue", i, c.Start)
		}
		prevEnd = c.End
	}
	return nil
}

// Contiguous reports whether the cues partition [0, duration] exactly.
func (t *Track) Contiguous() bool {
	if t.Validate() != nil {
		return false
	}
	if t.MouthCues[0].Start != 0 {
		return false
	}
	for i := 1; i < len(t.MouthCues); i++ {
		if diff := t.MouthCues[i].Start - t.MouthCues[i-1].End; diff > endTolerance || diff < -endTolerance {
			return false
		}
	}
	last := t.MouthCues[len(t.MouthCues)-1].End
	return last-t.Metadata.Duration <= endTolerance && t.Metadata.Duration-last <= endTolerance
}

// NormalizeSoundFile points metadata.soundFile at the compressed audio
// sibling. It is idempotent and returns whether anything changed.
func NormalizeSoundFile(t *Track) bool {
	if t == nil || t.Metadata == nil || t.Metadata.SoundFile == "" {
		return false
	}
	normalized := WithCompressedExt(t.Metadata.SoundFile)
	if normalized == t.Metadata.SoundFile {
		return false
	}
	t.Metadata.SoundFile = normalized
	return true
}

// WithCompressedExt swaps the extension of path for CompressedExt.
func WithCompressedExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + CompressedExt
}

func ParseTrack(data []byte) (*Track, error) {
	var t Track
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse lip sync track: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// ReadTrack loads, validates and normalizes a stored track.
func ReadTrack(path string) (*Track, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := ParseTrack(data)
	if err != nil {
		return nil, err
	}
	NormalizeSoundFile(t)
	return t, nil
}

// ValidateTrackFile reports whether path holds a structurally valid track.
func ValidateTrackFile(path string) error {
	_, err := ReadTrack(path)
	return err
}

// WriteTrack normalizes t and stores it atomically at path.
func WriteTrack(path string, t *Track) error {
	NormalizeSoundFile(t)
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}
