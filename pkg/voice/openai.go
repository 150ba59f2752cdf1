package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/sipeed/picoavatar/pkg/logger"
)

var openAIVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse"}

// OpenAISpeech uses the OpenAI /audio/speech endpoint. Any OpenAI compatible
// server (Kokoro, LocalAI) works through baseURL.
type OpenAISpeech struct {
	client openai.Client
	model  string
}

func NewOpenAISpeech(apiKey, baseURL, model string) *OpenAISpeech {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// the pipeline owns retry policy
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	if model == "" {
		model = openai.SpeechModelTTS1
	}
	return &OpenAISpeech{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (s *OpenAISpeech) Name() string { return "openai" }

func (s *OpenAISpeech) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          s.model,
		Voice:          openai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, toAPIError(err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read TTS audio: %w", err)
	}
	logger.DebugCF("voice", "OpenAI speech received", map[string]any{
		"bytes": len(audio),
		"voice": voiceID,
	})
	return audio, nil
}

// ListVoices returns the built-in voice names; the API has no listing call.
func (s *OpenAISpeech) ListVoices(context.Context) ([]Voice, error) {
	out := make([]Voice, 0, len(openAIVoices))
	for _, v := range openAIVoices {
		out = append(out, Voice{ID: v, Name: v, Category: "builtin"})
	}
	return out, nil
}

func toAPIError(err error) error {
	var oaErr *openai.Error
	if !errors.As(err, &oaErr) {
		return err
	}
	apiErr := &APIError{
		Provider:   "openai",
		StatusCode: oaErr.StatusCode,
		Status:     oaErr.Code,
		Message:    oaErr.Message,
	}
	// unknown voices come back as a 400 naming the parameter
	if oaErr.Param == "voice" || (oaErr.StatusCode == 400 && strings.Contains(strings.ToLower(oaErr.Message), "voice")) {
		apiErr.Status = "voice_not_found"
	}
	return apiErr
}
