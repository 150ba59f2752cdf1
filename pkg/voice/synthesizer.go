// Package voice turns avatar text into speech audio files. Providers are
// plain HTTP or SDK clients behind Synthesizer; Stage wraps one with
// precondition checks, throttling, write verification and failure
// classification.
package voice

import (
	"context"
	"fmt"
	"strconv"
)

// Synthesizer converts text to compressed audio bytes using voiceID.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// VoiceLister is implemented by providers that can enumerate their voices.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

type Voice struct {
	ID       string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// APIError is a non-2xx answer from a speech provider.
type APIError struct {
	Provider   string
	StatusCode int
	// Status is the provider's machine-readable error status, when given
	// (e.g. "invalid_api_key", "voice_not_found", "quota_exceeded").
	Status  string
	Message string
}

func (e *APIError) Error() string {
	msg := e.Provider + " API error (status " + strconv.Itoa(e.StatusCode) + ")"
	if e.Status != "" {
		msg += " " + e.Status
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// NewSynthesizer builds the provider named by provider.
func NewSynthesizer(provider, apiKey, baseURL, modelID string) (Synthesizer, error) {
	switch provider {
	case "", "elevenlabs":
		return NewElevenLabsClient(apiKey, baseURL, modelID), nil
	case "openai":
		return NewOpenAISpeech(apiKey, baseURL, modelID), nil
	default:
		return nil, fmt.Errorf("unknown speech provider: %s", provider)
	}
}
