package lipsync

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertPartition(t *testing.T, track *Track) {
	t.Helper()
	require.NoError(t, track.Validate())
	cues := track.MouthCues
	assert.Equal(t, 0.0, cues[0].Start)
	for i := 1; i < len(cues); i++ {
		assert.Equal(t, cues[i-1].End, cues[i].Start, "gap at cue %d", i)
	}
	assert.LessOrEqual(t, math.Abs(cues[len(cues)-1].End-track.Metadata.Duration), 1e-6)
	for _, c := range cues {
		assert.Contains(t, Visemes, c.Value)
	}
}

func TestFallback_PartitionsDuration(t *testing.T) {
	b := NewFallbackBuilder(rand.New(rand.NewSource(1)))

	for words := 0; words <= 60; words++ {
		text := strings.TrimSpace(strings.Repeat("word ", words))
		track := b.Build(text, words, "", "")
		assertPartition(t, track)
		assert.True(t, track.IsFallback())
		assert.True(t, track.Contiguous())
	}
}

func TestFallback_OddDurations(t *testing.T) {
	b := NewFallbackBuilder(nil)
	for _, d := range []float64{1.0, 1.1, 1.3333, 2.2, 7.77, 14.99, 15} {
		track := &Track{Metadata: &Metadata{Duration: d}, MouthCues: b.cues(d)}
		assertPartition(t, track)
	}
}

func TestEstimateDuration(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "big.mp3")
	require.NoError(t, os.WriteFile(big, make([]byte, 96000), 0o644))
	huge := filepath.Join(dir, "huge.mp3")
	require.NoError(t, os.WriteFile(huge, make([]byte, 32000*40), 0o644))
	tiny := filepath.Join(dir, "tiny.mp3")
	require.NoError(t, os.WriteFile(tiny, make([]byte, 10), 0o644))

	tests := []struct {
		name   string
		text   string
		hint   string
		want   float64
		source DurationSource
	}{
		{"size estimate", "ignored words", big, 3.0, SourceFileSizeEstimate},
		{"size clamped high", "", huge, MaxDuration, SourceFileSizeEstimate},
		{"tiny hint falls to words", "one two three four five six seven eight nine ten", tiny, 4.0, SourceWordCount},
		{"missing hint falls to words", "Hello", filepath.Join(dir, "nope.mp3"), MinDuration, SourceWordCount},
		{"words clamped high", strings.Repeat("w ", 100), "", MaxDuration, SourceWordCount},
		{"nothing", "   ", "", DefaultDuration, SourceFixedDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, src := EstimateDuration(tt.text, tt.hint)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.Equal(t, tt.source, src)
		})
	}
}

func TestFallback_SoundFile(t *testing.T) {
	b := NewFallbackBuilder(nil)

	track := b.Build("Hello", 2, "", "")
	assert.Equal(t, "message_2.mp3", track.Metadata.SoundFile)
	assert.Equal(t, SourceWordCount, track.Metadata.DurationSource)

	track = b.Build("Hello", 0, "", "/tmp/audios/message_0.wav")
	assert.Equal(t, "/tmp/audios/message_0.mp3", track.Metadata.SoundFile)

	// a scripted artifact names its own audio even without a hint
	track = b.Build("Hello", 0, "/tmp/audios/intro_1.mp3", "")
	assert.Equal(t, "/tmp/audios/intro_1.mp3", track.Metadata.SoundFile)
	assert.Equal(t, SourceWordCount, track.Metadata.DurationSource)
}

func TestFallback_LastResort(t *testing.T) {
	track := NewFallbackBuilder(nil).LastResort("intro_0.wav")
	assertPartition(t, track)
	require.Len(t, track.MouthCues, 1)
	assert.Equal(t, LastResortSeconds, track.Duration())
	assert.Equal(t, "intro_0.mp3", track.Metadata.SoundFile)
	assert.True(t, track.IsFallback())
}
