package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sipeed/picoavatar/pkg/logger"
)

const (
	defaultElevenLabsBase  = "https://api.elevenlabs.io"
	defaultElevenLabsModel = "eleven_multilingual_v2"
	maxErrorBody           = 4096
	maxAudioBytes          = 50 * 1024 * 1024
)

// ElevenLabsClient calls the ElevenLabs text-to-speech REST API.
type ElevenLabsClient struct {
	apiKey     string
	apiBase    string
	modelID    string
	httpClient *http.Client
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// NewElevenLabsClient creates an ElevenLabs client. apiBase defaults to the
// public API and modelID to eleven_multilingual_v2.
func NewElevenLabsClient(apiKey, apiBase, modelID string) *ElevenLabsClient {
	if apiBase == "" {
		apiBase = defaultElevenLabsBase
	}
	if modelID == "" {
		modelID = defaultElevenLabsModel
	}

	logger.DebugCF("voice", "Creating ElevenLabs client", map[string]any{
		"api_base":    apiBase,
		"model":       modelID,
		"has_api_key": apiKey != "",
	})

	return &ElevenLabsClient{
		apiKey:  apiKey,
		apiBase: strings.TrimRight(apiBase, "/"),
		modelID: modelID,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *ElevenLabsClient) Name() string { return "elevenlabs" }

// SetTimeout overrides the HTTP client timeout.
func (c *ElevenLabsClient) SetTimeout(d time.Duration) {
	if d > 0 {
		c.httpClient.Timeout = d
	}
}

func (c *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	body, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: c.modelID,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=mp3_44100_128", c.apiBase, url.PathEscape(voiceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create TTS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("TTS request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read TTS audio: %w", err)
	}
	return audio, nil
}

type elevenLabsVoicesResponse struct {
	Voices []Voice `json:"voices"`
}

func (c *ElevenLabsClient) ListVoices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice list request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	var out elevenLabsVoicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode voice list: %w", err)
	}
	return out.Voices, nil
}

// apiError decodes the {"detail": {...}} envelope. detail may also be a
// bare string or a validation array.
func (c *ElevenLabsClient) apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Provider: "elevenlabs", StatusCode: resp.StatusCode}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Detail) > 0 {
		var detail struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		var text string
		switch {
		case json.Unmarshal(envelope.Detail, &detail) == nil:
			apiErr.Status = detail.Status
			apiErr.Message = detail.Message
		case json.Unmarshal(envelope.Detail, &text) == nil:
			apiErr.Message = text
		default:
			apiErr.Message = string(envelope.Detail)
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}

	logger.WarnCF("voice", "ElevenLabs request rejected", map[string]any{
		"status_code": apiErr.StatusCode,
		"status":      apiErr.Status,
		"message":     apiErr.Message,
	})
	return apiErr
}
