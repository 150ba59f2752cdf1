package voice

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sipeed/picoavatar/pkg/fsutil"
	"github.com/sipeed/picoavatar/pkg/logger"
)

const DefaultMaxTextLength = 5000

// Throttle gates provider calls. *ratelimit.Limiter satisfies it.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// Stage runs one synthesis attempt and writes the audio to a path.
type Stage struct {
	synth         Synthesizer
	apiKey        string
	maxTextLength int
	throttle      Throttle
	listTimeout   time.Duration
}

type StageOption func(*Stage)

func WithThrottle(t Throttle) StageOption {
	return func(s *Stage) { s.throttle = t }
}

func WithMaxTextLength(n int) StageOption {
	return func(s *Stage) {
		if n > 0 {
			s.maxTextLength = n
		}
	}
}

// NewStage wraps synth. apiKey is only checked for presence; the provider
// holds its own copy.
func NewStage(synth Synthesizer, apiKey string, opts ...StageOption) *Stage {
	s := &Stage{
		synth:         synth,
		apiKey:        apiKey,
		maxTextLength: DefaultMaxTextLength,
		listTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize produces speech for text at outPath. A nil error means the file
// exists and is non-empty; otherwise the error is a *SynthesisError.
func (s *Stage) Synthesize(ctx context.Context, text, voiceID, outPath string) error {
	if err := s.precheck(text, voiceID); err != nil {
		logger.WarnCF("voice", "Synthesis precondition failed", map[string]any{
			"code":  string(err.Code),
			"chars": utf8.RuneCountInString(text),
		})
		return err
	}

	if s.throttle != nil {
		if err := s.throttle.Wait(ctx, voiceID); err != nil {
			return newError(CodeRateLimited, err)
		}
	}

	start := time.Now()
	audio, err := s.synth.Synthesize(ctx, text, voiceID)
	if err != nil {
		se := newError(Classify(err), err)
		if se.Code == CodeInvalidVoiceID {
			se.Suggestions = s.suggestVoices(ctx, voiceID)
		}
		logger.ErrorCF("voice", "Speech synthesis failed", map[string]any{
			"provider":  s.synth.Name(),
			"code":      string(se.Code),
			"retryable": se.Retryable,
			"error":     err,
		})
		return se
	}

	if err := fsutil.WriteFileAtomic(outPath, audio, 0o644); err != nil {
		return newError(CodeUnknownError, err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return newError(CodeUnknownError, err)
	}
	if info.Size() == 0 {
		return newError(CodeEmptyAudioFile, errors.New("provider returned no audio"))
	}

	logger.InfoCF("voice", "Speech synthesized", map[string]any{
		"provider":   s.synth.Name(),
		"path":       outPath,
		"size_bytes": info.Size(),
		"voice":      voiceID,
		"duration":   time.Since(start).String(),
	})
	return nil
}

func (s *Stage) precheck(text, voiceID string) *SynthesisError {
	switch {
	case strings.TrimSpace(s.apiKey) == "":
		return newError(CodeMissingAPIKey, errors.New("speech API key is not configured"))
	case strings.TrimSpace(voiceID) == "":
		return newError(CodeMissingVoiceID, errors.New("voice id is not configured"))
	case strings.TrimSpace(text) == "":
		return newError(CodeEmptyText, errors.New("nothing to synthesize"))
	case utf8.RuneCountInString(text) > s.maxTextLength:
		return newError(CodeTextTooLong, errors.New("text exceeds the synthesis length limit"))
	}
	return nil
}

func (s *Stage) suggestVoices(ctx context.Context, rejected string) []string {
	lister, ok := s.synth.(VoiceLister)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.listTimeout)
	defer cancel()

	voices, err := lister.ListVoices(ctx)
	if err != nil {
		logger.DebugCF("voice", "Could not list voices for suggestions", map[string]any{"error": err})
		return nil
	}
	out := make([]string, 0, MaxSuggestions)
	for _, v := range voices {
		if v.ID == rejected || v.ID == "" {
			continue
		}
		out = append(out, v.ID)
		if len(out) == MaxSuggestions {
			break
		}
	}
	return out
}

// ListVoices exposes the provider's voice list when it has one.
func (s *Stage) ListVoices(ctx context.Context) ([]Voice, bool, error) {
	lister, ok := s.synth.(VoiceLister)
	if !ok {
		return nil, false, nil
	}
	voices, err := lister.ListVoices(ctx)
	return voices, true, err
}

func (s *Stage) Provider() string { return s.synth.Name() }
