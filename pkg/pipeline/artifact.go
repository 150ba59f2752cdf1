// Package pipeline drives one message's speech artifact from text to a
// playable, lip-synced payload, substituting synthetic output wherever a
// stage fails.
package pipeline

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sipeed/picoavatar/pkg/lipsync"
	"github.com/sipeed/picoavatar/pkg/media"
)

type Stage string

const (
	StagePending     Stage = "PENDING"
	StageSynthesized Stage = "SYNTHESIZED"
	StageTranscoded  Stage = "TRANSCODED"
	StageExtracted   Stage = "EXTRACTED"
	StageEncoded     Stage = "ENCODED"
	StageFallback    Stage = "FALLBACK"
)

var next = map[Stage]Stage{
	StagePending:     StageSynthesized,
	StageSynthesized: StageTranscoded,
	StageTranscoded:  StageExtracted,
	StageExtracted:   StageEncoded,
}

func (s Stage) Terminal() bool {
	return s == StageEncoded || s == StageFallback
}

// CanTransition reports whether to is a legal successor of s. FALLBACK is
// reachable from every non-terminal stage.
func (s Stage) CanTransition(to Stage) bool {
	if s.Terminal() {
		return false
	}
	return to == StageFallback || next[s] == to
}

// Artifact is the audio and timing produced for one outbound message.
type Artifact struct {
	ID         string
	Index      int
	SourceText string
	Paths      media.Paths
	Stage      Stage
	IsFallback bool

	Track     *lipsync.Track
	Audio     string
	AudioMIME string
	Errors    []ErrorRecord
}

func NewArtifact(index int, text string, paths media.Paths) *Artifact {
	return &Artifact{
		ID:         uuid.NewString(),
		Index:      index,
		SourceText: text,
		Paths:      paths,
		Stage:      StagePending,
	}
}

func (a *Artifact) advance(to Stage) error {
	if !a.Stage.CanTransition(to) {
		return fmt.Errorf("artifact %d: illegal transition %s -> %s", a.Index, a.Stage, to)
	}
	a.Stage = to
	if to == StageFallback {
		a.IsFallback = true
	}
	return nil
}
