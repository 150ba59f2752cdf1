package lipsync

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// BytesPerSecond approximates a 256 kbps stream; it only has to be close
	// enough to keep the mouth moving for about as long as the audio plays.
	BytesPerSecond = 32000
	WordsPerMinute = 150

	MinDuration       = 1.0
	MaxDuration       = 15.0
	DefaultDuration   = 1.0
	LastResortSeconds = 2.0
	CueInterval       = 0.2

	// minHintBytes is the smallest hint file trusted for a size estimate.
	minHintBytes = 1024
)

// Visemes is the alphabet fallback cues are drawn from. X is the closed
// resting mouth.
var Visemes = []string{"A", "B", "C", "D", "E", "F", "X"}

// FallbackBuilder synthesizes plausible tracks when extraction is not
// possible. It never fails.
type FallbackBuilder struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewFallbackBuilder uses rng for viseme choice, or a time-seeded source
// when rng is nil.
func NewFallbackBuilder(rng *rand.Rand) *FallbackBuilder {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &FallbackBuilder{rng: rng}
}

// EstimateDuration picks the best available duration estimate: the hint
// file's size, then the word count of text, then a fixed default.
func EstimateDuration(text, hintPath string) (float64, DurationSource) {
	if hintPath != "" {
		if info, err := os.Stat(hintPath); err == nil && !info.IsDir() && info.Size() >= minHintBytes {
			return clamp(float64(info.Size())/BytesPerSecond, MinDuration, MaxDuration), SourceFileSizeEstimate
		}
	}
	if words := len(strings.Fields(text)); words > 0 {
		secs := float64(words) / WordsPerMinute * 60
		return clamp(secs, MinDuration, MaxDuration), SourceWordCount
	}
	return DefaultDuration, SourceFixedDefault
}

// Build returns a fallback track for message index. soundFile names the
// artifact's own compressed audio; when empty it falls back to hintPath and
// then to message_<index>.mp3. hintPath, when it names an existing audio
// file, drives the duration estimate.
func (b *FallbackBuilder) Build(text string, index int, soundFile, hintPath string) *Track {
	duration, source := EstimateDuration(text, hintPath)

	if soundFile == "" {
		soundFile = hintPath
	}
	if soundFile == "" {
		soundFile = fmt.Sprintf("message_%d%s", index, CompressedExt)
	}

	t := &Track{
		Metadata: &Metadata{
			SoundFile:      WithCompressedExt(soundFile),
			Duration:       duration,
			DurationSource: source,
			IsFallback:     true,
		},
		MouthCues: b.cues(duration),
	}
	return t
}

// LastResort is a single cue spanning LastResortSeconds, for when even the
// estimate inputs are unusable.
func (b *FallbackBuilder) LastResort(soundFile string) *Track {
	if soundFile != "" {
		soundFile = WithCompressedExt(soundFile)
	}
	return &Track{
		Metadata: &Metadata{
			SoundFile:      soundFile,
			Duration:       LastResortSeconds,
			DurationSource: SourceFixedDefault,
			IsFallback:     true,
		},
		MouthCues: []Cue{{Start: 0, End: LastResortSeconds, Value: "X"}},
	}
}

// cues partitions [0, d] into CueInterval slots. Boundaries are computed
// from the slot index so adjacent cues share exact float values.
func (b *FallbackBuilder) cues(d float64) []Cue {
	n := int(math.Ceil(d/CueInterval - 1e-9))
	if n < 1 {
		n = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Cue, n)
	for i := 0; i < n; i++ {
		end := float64(i+1) * CueInterval
		if i == n-1 {
			end = d
		}
		out[i] = Cue{
			Start: float64(i) * CueInterval,
			End:   end,
			Value: Visemes[b.rng.Intn(len(Visemes))],
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
