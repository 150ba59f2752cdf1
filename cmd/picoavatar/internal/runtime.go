package internal

import (
	"fmt"
	"time"

	"github.com/sipeed/picoavatar/pkg/audio"
	"github.com/sipeed/picoavatar/pkg/chat"
	"github.com/sipeed/picoavatar/pkg/config"
	"github.com/sipeed/picoavatar/pkg/fsutil"
	"github.com/sipeed/picoavatar/pkg/journal"
	"github.com/sipeed/picoavatar/pkg/lipsync"
	"github.com/sipeed/picoavatar/pkg/logger"
	"github.com/sipeed/picoavatar/pkg/media"
	"github.com/sipeed/picoavatar/pkg/pipeline"
	"github.com/sipeed/picoavatar/pkg/procrun"
	"github.com/sipeed/picoavatar/pkg/ratelimit"
	"github.com/sipeed/picoavatar/pkg/voice"
)

type RuntimeOptions struct {
	// VoiceID overrides speech.voice_id when set.
	VoiceID       string
	KeepArtifacts bool
	// Runner replaces the exec runner, mainly for tests.
	Runner procrun.Runner
}

// Runtime is a fully wired pipeline service plus the handles commands need.
type Runtime struct {
	Config  *config.Config
	Layout  media.Layout
	Voices  *voice.Stage
	Limiter *ratelimit.Limiter
	Service *pipeline.Service

	journal *journal.SQLiteJournal
}

// BuildRuntime wires speech, tools, journal and responder from cfg.
// Missing credentials are not an error: the service answers with notices.
func BuildRuntime(cfg *config.Config, opts RuntimeOptions) (*Runtime, error) {
	synth, err := voice.NewSynthesizer(cfg.Speech.Provider, cfg.Speech.APIKey, cfg.Speech.BaseURL, cfg.Speech.ModelID)
	if err != nil {
		return nil, err
	}
	if t, ok := synth.(interface{ SetTimeout(time.Duration) }); ok && cfg.Speech.Timeout > 0 {
		t.SetTimeout(cfg.Speech.Timeout.Std())
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Speech.RequestsPerMinute,
		Burst:             ratelimit.DefaultConfig().Burst,
		PerKeyLimit:       cfg.Speech.PerVoiceLimit,
	})
	stage := voice.NewStage(synth, cfg.Speech.APIKey,
		voice.WithThrottle(limiter),
		voice.WithMaxTextLength(cfg.Speech.MaxTextLength),
	)

	runner := opts.Runner
	if runner == nil {
		runner = procrun.NewExecRunner(cfg.Tools.RunTimeout.Std())
	}
	monitor := readinessMonitor(cfg.Readiness)
	probe := cfg.Tools.ProbeTimeout.Std()

	rt := &Runtime{
		Config:  cfg,
		Layout:  media.Layout{Dir: cfg.AudioDir()},
		Voices:  stage,
		Limiter: limiter,
	}

	sinks := journal.MultiSink{journal.LogSink{}}
	if cfg.Journal.Enabled {
		j, err := journal.OpenSQLite(cfg.JournalPath())
		if err != nil {
			return nil, fmt.Errorf("opening error journal: %w", err)
		}
		rt.journal = j
		sinks = append(sinks, j)
	}

	orch := pipeline.New(pipeline.Deps{
		Synthesizer: stage,
		Transcoder:  audio.NewTranscoder(runner, cfg.Tools.FFmpegPath, probe, monitor),
		Extractor:   lipsync.NewExtractor(runner, cfg.Tools.RhubarbPath, cfg.Tools.RhubarbMode, probe, monitor),
		Encoder:     media.NewEncoder(cfg.Readiness.EncodeWait.Std(), cfg.Readiness.PollInterval.Std()),
		Recorder:    sinks,
	}, pipeline.Options{
		VoiceID:        firstNonEmpty(opts.VoiceID, cfg.Speech.VoiceID),
		RetryDelay:     cfg.Pipeline.ValidationRetryDelay.Std(),
		MessageTimeout: cfg.Pipeline.MessageTimeout.Std(),
		Concurrency:    cfg.Pipeline.Concurrency,
		DefaultMIME:    cfg.Pipeline.DefaultVoiceMIME,
	})

	var responder pipeline.Responder
	if cfg.HasLLMCredentials() {
		gen, err := chat.NewGenerator(cfg.LLM)
		if err != nil {
			rt.Close()
			return nil, err
		}
		responder = chat.NewResponder(gen, cfg.Chat.SystemPrompt)
	}

	ready := cfg.HasSpeechCredentials() && cfg.HasLLMCredentials()
	if !ready {
		logger.WarnCF("runtime", "Credentials incomplete, replies will be notices", map[string]any{
			"speech": cfg.HasSpeechCredentials(),
			"llm":    cfg.HasLLMCredentials(),
		})
	}

	rt.Service = pipeline.NewService(orch, responder, pipeline.ServiceConfig{
		Layout:        rt.Layout,
		Greetings:     chat.FromScripted(cfg.Chat.Greetings),
		Notices:       chat.FromScripted(cfg.Chat.KeyNotices),
		Ready:         ready,
		KeepArtifacts: opts.KeepArtifacts,
	})
	return rt, nil
}

// readinessMonitor starts from the package defaults and applies every
// positive configured timing.
func readinessMonitor(rc config.ReadinessConfig) fsutil.Monitor {
	m := fsutil.DefaultMonitor()
	if d := rc.CreationWait.Std(); d > 0 {
		m.CreationWait = d
	}
	if d := rc.StabilityWait.Std(); d > 0 {
		m.StabilityWait = d
	}
	if d := rc.PollInterval.Std(); d > 0 {
		m.PollInterval = d
	}
	return m
}

// Journal returns the sqlite journal, or nil when it is disabled.
func (rt *Runtime) Journal() *journal.SQLiteJournal { return rt.journal }

func (rt *Runtime) Close() {
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			logger.WarnCF("runtime", "Failed to close journal", map[string]any{"error": err.Error()})
		}
		rt.journal = nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
