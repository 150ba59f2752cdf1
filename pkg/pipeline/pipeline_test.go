package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picoavatar/pkg/audio"
	"github.com/sipeed/picoavatar/pkg/chat"
	"github.com/sipeed/picoavatar/pkg/fsutil"
	"github.com/sipeed/picoavatar/pkg/lipsync"
	"github.com/sipeed/picoavatar/pkg/media"
	"github.com/sipeed/picoavatar/pkg/procrun"
	"github.com/sipeed/picoavatar/pkg/voice"
)

const rhubarbOutput = `{
  "metadata": {"soundFile": "%s", "duration": 0.62},
  "mouthCues": [
    {"start": 0.00, "end": 0.05, "value": "X"},
    {"start": 0.05, "end": 0.27, "value": "D"},
    {"start": 0.27, "end": 0.62, "value": "X"}
  ]
}`

var fastMonitor = fsutil.Monitor{
	CreationWait:  300 * time.Millisecond,
	StabilityWait: 300 * time.Millisecond,
	PollInterval:  5 * time.Millisecond,
}

func mp3Bytes(n int) []byte {
	b := []byte("ID3\x04\x00")
	for i := 0; len(b) < n; i++ {
		b = append(b, byte(i*13+7))
	}
	return b
}

func wavBytes(n int) []byte {
	b := []byte("RIFF\x00\x00\x00\x00WAVEfmt ")
	b = append(b, make([]byte, 28)...)
	for i := 0; i < n; i++ {
		b = append(b, byte(i*37))
	}
	return b
}

type fakeSynth struct {
	audio []byte
	err   error
	calls int32
}

func (f *fakeSynth) Name() string { return "fake" }

func (f *fakeSynth) Synthesize(context.Context, string, string) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.audio, f.err
}

// toolbox fakes ffmpeg and rhubarb behind one runner.
type toolbox struct {
	ffmpegMissing bool
	track         string
	runs          int32
}

func (tb *toolbox) Run(_ context.Context, name string, args ...string) (*procrun.Result, error) {
	if name == "ffmpeg" && tb.ffmpegMissing {
		return nil, &procrun.Error{Command: name, NotFound: true}
	}
	if len(args) == 1 {
		return &procrun.Result{Stdout: name + " version 1.0"}, nil
	}
	atomic.AddInt32(&tb.runs, 1)
	switch name {
	case "ffmpeg":
		return &procrun.Result{}, os.WriteFile(args[len(args)-1], wavBytes(400), 0o644)
	case "rhubarb":
		out, in := args[3], args[4]
		body := tb.track
		if body == "" {
			body = strings.Replace(rhubarbOutput, "%s", in, 1)
		}
		return &procrun.Result{}, os.WriteFile(out, []byte(body), 0o644)
	}
	return nil, errors.New("unexpected tool " + name)
}

type memRecorder struct {
	mu   sync.Mutex
	recs []ErrorRecord
}

func (m *memRecorder) Record(_ context.Context, r ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memRecorder) all() []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ErrorRecord(nil), m.recs...)
}

type harness struct {
	synth  *fakeSynth
	tools  *toolbox
	rec    *memRecorder
	orch   *Orchestrator
	layout media.Layout
}

func newHarness(t *testing.T, apiKey string, opts ...voice.StageOption) *harness {
	t.Helper()
	h := &harness{
		synth:  &fakeSynth{audio: mp3Bytes(2000)},
		tools:  &toolbox{},
		rec:    &memRecorder{},
		layout: media.Layout{Dir: t.TempDir()},
	}
	h.orch = New(Deps{
		Synthesizer: voice.NewStage(h.synth, apiKey, opts...),
		Transcoder:  audio.NewTranscoder(h.tools, "ffmpeg", time.Second, fastMonitor),
		Extractor:   lipsync.NewExtractor(h.tools, "rhubarb", "phonetic", time.Second, fastMonitor),
		Encoder:     media.NewEncoder(300*time.Millisecond, 5*time.Millisecond),
		Fallback:    lipsync.NewFallbackBuilder(rand.New(rand.NewSource(1))),
		Recorder:    h.rec,
	}, Options{VoiceID: "voice-1", RetryDelay: 10 * time.Millisecond, Concurrency: 2})
	return h
}

func (h *harness) process(text string) *Artifact {
	return h.orch.Process(context.Background(), 0, text, h.layout.Paths(media.MessageBase(0)))
}

func assertPartition(t *testing.T, track *lipsync.Track) {
	t.Helper()
	require.NotNil(t, track)
	require.NoError(t, track.Validate())
	cues := track.MouthCues
	assert.Zero(t, cues[0].Start)
	assert.InDelta(t, track.Duration(), cues[len(cues)-1].End, 1e-6)
	for i := 1; i < len(cues); i++ {
		assert.InDelta(t, cues[i-1].End, cues[i].Start, 1e-9)
	}
}

func TestProcess_Encoded(t *testing.T) {
	h := newHarness(t, "key")
	art := h.process("Hello")

	assert.Equal(t, StageEncoded, art.Stage)
	assert.False(t, art.IsFallback)
	assert.NotEmpty(t, art.Audio)
	assert.Equal(t, "audio/mpeg", art.AudioMIME)
	assert.Equal(t, lipsync.SourceMeasured, art.Track.Metadata.DurationSource)
	assert.False(t, art.Track.IsFallback())
	assert.True(t, strings.HasSuffix(art.Track.Metadata.SoundFile, ".mp3"))
	assert.Empty(t, h.rec.all())

	decoded, err := base64.StdEncoding.DecodeString(art.Audio)
	require.NoError(t, err)
	assert.Equal(t, h.synth.audio, decoded)

	stored, err := lipsync.ReadTrack(art.Paths.Track)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(stored.Metadata.SoundFile, ".mp3"))
}

func TestProcess_MissingAPIKey(t *testing.T) {
	h := newHarness(t, "")
	art := h.process("Hello there, how are you")

	assert.Equal(t, StageFallback, art.Stage)
	assert.True(t, art.IsFallback)
	assert.Empty(t, art.Audio)
	assert.True(t, art.Track.IsFallback())
	assert.Equal(t, lipsync.SourceWordCount, art.Track.Metadata.DurationSource)
	assertPartition(t, art.Track)

	assert.Zero(t, atomic.LoadInt32(&h.synth.calls))
	assert.Zero(t, atomic.LoadInt32(&h.tools.runs), "no external process may run")

	recs := h.rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, string(voice.CodeMissingAPIKey), recs[0].Code)
	assert.Equal(t, SeverityCritical, recs[0].Severity)
	assert.Equal(t, StepSynthesis, recs[0].Step)
}

func TestProcess_TranscoderMissingKeepsRealAudio(t *testing.T) {
	h := newHarness(t, "key")
	h.tools.ffmpegMissing = true
	art := h.process("Hello")

	assert.Equal(t, StageFallback, art.Stage)
	assert.True(t, art.IsFallback)
	assert.NotEmpty(t, art.Audio, "real audio survives a transcode failure")
	assert.True(t, art.Track.IsFallback())
	assert.Equal(t, lipsync.SourceFileSizeEstimate, art.Track.Metadata.DurationSource)
	assertPartition(t, art.Track)

	recs := h.rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, CauseToolUnavailable, recs[0].Cause)
	assert.Equal(t, SeverityError, recs[0].Severity)
	assert.Equal(t, "TRANSCODE_TOOL_UNAVAILABLE", recs[0].Code)
}

func TestProcess_EmptyCuesFallsBack(t *testing.T) {
	h := newHarness(t, "key")
	h.tools.track = `{"metadata":{"soundFile":"message_0.wav","duration":1.2},"mouthCues":[]}`
	art := h.process("Hello")

	assert.Equal(t, StageFallback, art.Stage)
	assert.True(t, art.Track.IsFallback())
	assert.NotEmpty(t, art.Audio)
	assertPartition(t, art.Track)

	recs := h.rec.all()
	require.Len(t, recs, 1)
	assert.Equal(t, StepExtraction, recs[0].Step)
	assert.Equal(t, CauseFormatCorrupt, recs[0].Cause)

	stored, err := lipsync.ReadTrack(art.Paths.Track)
	require.NoError(t, err)
	assert.True(t, stored.IsFallback(), "fallback track replaces the tool output on disk")
}

func TestProcess_TextTooLong(t *testing.T) {
	h := newHarness(t, "key", voice.WithMaxTextLength(10))
	art := h.process(strings.Repeat("word ", 10))

	assert.Equal(t, StageFallback, art.Stage)
	assert.Zero(t, atomic.LoadInt32(&h.synth.calls))
	require.Len(t, art.Errors, 1)
	assert.Equal(t, string(voice.CodeTextTooLong), art.Errors[0].Code)
	assert.Equal(t, CauseInvalidInput, art.Errors[0].Cause)
}

func TestProcess_InvalidSynthesisOutput(t *testing.T) {
	h := newHarness(t, "key")
	h.synth.audio = []byte(strings.Repeat("<html>oops</html>", 20))
	art := h.process("Hello")

	assert.Equal(t, StageFallback, art.Stage)
	assert.Empty(t, art.Audio, "unvalidated audio is never offered")
	assert.Equal(t, lipsync.SourceWordCount, art.Track.Metadata.DurationSource)
	require.Len(t, h.rec.all(), 1)
	assert.Equal(t, CodeSynthesisOutputInvalid, h.rec.all()[0].Code)
}

func TestProcess_ProviderErrorIsClassified(t *testing.T) {
	h := newHarness(t, "key")
	h.synth.err = &voice.APIError{Provider: "fake", StatusCode: 429, Message: "slow down"}
	art := h.process("Hello")

	require.Len(t, art.Errors, 1)
	rec := art.Errors[0]
	assert.Equal(t, string(voice.CodeRateLimited), rec.Code)
	assert.True(t, rec.Retryable)
	assert.Equal(t, SeverityWarning, rec.Severity)
	assert.Equal(t, art.ID, rec.Context.ArtifactID)
	assert.Equal(t, "Hello", rec.Context.SourceText)
}

type emptyEncoder struct{}

func (emptyEncoder) Encode(context.Context, string) string { return "" }

func TestProcess_EncodeFailureRecordsOnce(t *testing.T) {
	h := newHarness(t, "key")
	h.orch.deps.Encoder = emptyEncoder{}
	art := h.process("Hello")

	assert.Equal(t, StageFallback, art.Stage)
	assert.Empty(t, art.Audio)
	require.Len(t, h.rec.all(), 1)
	assert.Equal(t, CodeEncodeUnavailable, h.rec.all()[0].Code)
}

func TestProcess_EncodeUnavailableStillSizesFromRealAudio(t *testing.T) {
	h := newHarness(t, "key")
	h.tools.ffmpegMissing = true
	h.orch.deps.Encoder = emptyEncoder{}
	art := h.process("Hello")

	assert.Equal(t, StageFallback, art.Stage)
	assert.Empty(t, art.Audio)
	assert.Equal(t, lipsync.SourceFileSizeEstimate, art.Track.Metadata.DurationSource,
		"validated audio on disk drives the estimate even when it cannot be sent")
	assertPartition(t, art.Track)
}

func TestProcess_LateWriteRecoversOnRetry(t *testing.T) {
	h := newHarness(t, "key")
	h.synth.audio = []byte(strings.Repeat("<html>oops</html>", 20))

	var validations int32
	h.orch.validate = func(path string, want audio.Format) audio.ValidationResult {
		res := audio.Validate(path, want)
		if atomic.AddInt32(&validations, 1) == 1 {
			// the real bytes land while the orchestrator waits to retry
			require.NoError(t, os.WriteFile(path, mp3Bytes(2000), 0o644))
		}
		return res
	}
	art := h.process("Hello")

	assert.Equal(t, StageEncoded, art.Stage)
	assert.False(t, art.IsFallback)
	assert.NotEmpty(t, art.Audio)
	assert.Empty(t, art.Errors)
	assert.Empty(t, h.rec.all())
	assert.Equal(t, int32(2), atomic.LoadInt32(&validations))
}

func TestProcess_ClearsStaleOutputs(t *testing.T) {
	h := newHarness(t, "")
	paths := h.layout.Paths(media.MessageBase(0))
	require.NoError(t, os.WriteFile(paths.Compressed, mp3Bytes(4000), 0o644))

	art := h.orch.Process(context.Background(), 0, "Hi", paths)
	assert.Empty(t, art.Audio, "audio from an earlier cycle is never reused")
	_, err := os.Stat(paths.Compressed)
	assert.True(t, os.IsNotExist(err))
}

func TestStageTransitions(t *testing.T) {
	assert.True(t, StagePending.CanTransition(StageSynthesized))
	assert.True(t, StageTranscoded.CanTransition(StageFallback))
	assert.False(t, StagePending.CanTransition(StageEncoded))
	assert.False(t, StageEncoded.CanTransition(StageFallback))
	assert.False(t, StageFallback.CanTransition(StagePending))

	a := NewArtifact(0, "x", media.Paths{})
	assert.Error(t, a.advance(StageExtracted))
	require.NoError(t, a.advance(StageFallback))
	assert.True(t, a.IsFallback)
}

func TestCauseSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, CauseCredential.Severity())
	assert.Equal(t, SeverityCritical, CauseQuota.Severity())
	assert.Equal(t, SeverityWarning, CauseNetwork.Severity())
	assert.Equal(t, SeverityWarning, CauseServer.Severity())
	assert.Equal(t, SeverityError, CauseToolRejected.Severity())
	assert.Equal(t, SeverityError, CauseUnknown.Severity())
}

func TestNewRecord_TruncatesText(t *testing.T) {
	a := NewArtifact(3, strings.Repeat("a", 500), media.Paths{Compressed: "x.mp3"})
	rec := NewRecord(StepTranscode, errors.New("plain"), a)
	assert.Equal(t, "TRANSCODE_UNKNOWN", rec.Code)
	assert.LessOrEqual(t, len([]rune(rec.Context.SourceText)), maxRecordText)
	assert.Equal(t, 3, rec.Context.Index)
	assert.NotEmpty(t, rec.ID)
}

func TestProcessBatch_PreservesOrder(t *testing.T) {
	h := newHarness(t, "key")
	msgs := []chat.Message{
		{Text: "one", FacialExpression: "smile", Animation: "Talking_0"},
		{Text: "two", FacialExpression: "sad", Animation: "Crying"},
		{Text: "three", FacialExpression: "default", Animation: "Idle"},
	}

	var mu sync.Mutex
	emitted := map[int]bool{}
	out := h.orch.ProcessBatch(context.Background(), h.layout, msgs, func(i int, p Payload) {
		mu.Lock()
		defer mu.Unlock()
		emitted[i] = true
	})

	require.Len(t, out, 3)
	for i, p := range out {
		assert.Equal(t, msgs[i].Text, p.Text)
		assert.Equal(t, msgs[i].Animation, p.Animation)
		assert.NotEmpty(t, p.Audio)
		assert.False(t, p.IsFallback)
		assert.True(t, strings.Contains(p.LipSync.Metadata.SoundFile, media.MessageBase(i)))
	}
	assert.Len(t, emitted, 3)
}

func TestProcessScripted_ReusesCache(t *testing.T) {
	h := newHarness(t, "key")
	msgs := []chat.Message{{Text: "Hey there", FacialExpression: "smile", Animation: "Talking_1"}}

	first := h.orch.ProcessScripted(context.Background(), h.layout, GreetingPrefix, msgs, nil)
	require.Len(t, first, 1)
	assert.False(t, first[0].IsFallback)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.synth.calls))

	second := h.orch.ProcessScripted(context.Background(), h.layout, GreetingPrefix, msgs, nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.synth.calls), "cached artifact is reused")
	assert.Equal(t, first[0].Audio, second[0].Audio)
	assert.True(t, strings.HasSuffix(second[0].LipSync.Metadata.SoundFile, "intro_0.mp3"))
}

func TestProcessScripted_FallbackIsNotCached(t *testing.T) {
	h := newHarness(t, "key")
	h.tools.ffmpegMissing = true
	msgs := []chat.Message{{Text: "Hey"}}

	h.orch.ProcessScripted(context.Background(), h.layout, NoticePrefix, msgs, nil)
	h.orch.ProcessScripted(context.Background(), h.layout, NoticePrefix, msgs, nil)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.synth.calls))
}

func TestProcessScripted_MissingKeyTrackNamesItsOwnAudio(t *testing.T) {
	h := newHarness(t, "")
	msgs := []chat.Message{{Text: "Hey there"}, {Text: "Welcome back"}}

	out := h.orch.ProcessScripted(context.Background(), h.layout, GreetingPrefix, msgs, nil)
	require.Len(t, out, 2)
	for i, p := range out {
		assert.True(t, p.IsFallback)
		want := filepath.Join(h.layout.Dir, fmt.Sprintf("%s_%d.mp3", GreetingPrefix, i))
		assert.Equal(t, want, p.LipSync.Metadata.SoundFile)

		stored, err := lipsync.ReadTrack(filepath.Join(h.layout.Dir, fmt.Sprintf("%s_%d.json", GreetingPrefix, i)))
		require.NoError(t, err)
		assert.Equal(t, want, stored.Metadata.SoundFile)
	}
}

// gatedSynth writes valid audio once every caller has arrived, so
// concurrent requests are in flight together.
type gatedSynth struct {
	arrived sync.WaitGroup
	mu      sync.Mutex
	paths   []string
}

func (g *gatedSynth) Synthesize(_ context.Context, _, _, outPath string) error {
	g.mu.Lock()
	g.paths = append(g.paths, outPath)
	g.mu.Unlock()

	g.arrived.Done()
	done := make(chan struct{})
	go func() { g.arrived.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		return errors.New("peer request never arrived")
	}
	return os.WriteFile(outPath, mp3Bytes(2000), 0o644)
}

func TestService_SpeakKeepArtifactsIsolatesConcurrentRequests(t *testing.T) {
	h := newHarness(t, "key")
	gate := &gatedSynth{}
	gate.arrived.Add(2)
	h.orch.deps.Synthesizer = gate
	svc := NewService(h.orch, nil, ServiceConfig{Layout: h.layout, Ready: true, KeepArtifacts: true})

	var wg sync.WaitGroup
	results := make([][]Payload, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.Speak(context.Background(), []chat.Message{{Text: fmt.Sprintf("request %d", i)}}, nil)
			assert.NoError(t, err)
			results[i] = out
		}()
	}
	wg.Wait()

	require.Len(t, gate.paths, 2)
	assert.NotEqual(t, gate.paths[0], gate.paths[1], "each request writes its own message_0")
	for _, out := range results {
		require.Len(t, out, 1)
		assert.False(t, out[0].IsFallback)
	}
	assert.NotEqual(t, results[0][0].LipSync.Metadata.SoundFile, results[1][0].LipSync.Metadata.SoundFile)

	entries, err := os.ReadDir(h.layout.Dir)
	require.NoError(t, err)
	scopes := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "req-") {
			scopes++
		}
	}
	assert.Equal(t, 2, scopes, "kept request directories stay on disk")
}

type stubResponder struct {
	msgs  []chat.Message
	err   error
	calls int
}

func (s *stubResponder) Respond(context.Context, string) ([]chat.Message, error) {
	s.calls++
	return s.msgs, s.err
}

func TestService_Reply(t *testing.T) {
	h := newHarness(t, "key")
	resp := &stubResponder{msgs: []chat.Message{{Text: "Sure!", FacialExpression: "smile", Animation: "Laughing"}}}
	greetings := []chat.Message{{Text: "Hello!"}, {Text: "Missed you"}}
	notices := []chat.Message{{Text: "Add your keys"}}

	svc := NewService(h.orch, resp, ServiceConfig{Layout: h.layout, Greetings: greetings, Notices: notices, Ready: true})

	out, err := svc.Reply(context.Background(), "   ", nil)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Zero(t, resp.calls)

	out, err = svc.Reply(context.Background(), "tell me a joke", nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Sure!", out[0].Text)
	assert.Equal(t, 1, resp.calls)

	entries, err := os.ReadDir(h.layout.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "req-"), "request scope must be released")
	}
	_, err = os.Stat(filepath.Join(h.layout.Dir, "intro_0.mp3"))
	assert.NoError(t, err, "greetings stay cached")

	svc = NewService(h.orch, resp, ServiceConfig{Layout: h.layout, Notices: notices})
	out, err = svc.Reply(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Add your keys", out[0].Text)
	assert.Equal(t, 1, resp.calls)

	resp.err = errors.New("llm down")
	svc = NewService(h.orch, resp, ServiceConfig{Layout: h.layout, Ready: true})
	_, err = svc.Reply(context.Background(), "hi", nil)
	assert.Error(t, err)
}
