package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElevenLabs_Synthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/text-to-speech/voice-1", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("xi-api-key"))

		var req elevenLabsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello", req.Text)
		assert.Equal(t, "eleven_multilingual_v2", req.ModelID)

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3fake"))
	}))
	defer server.Close()

	c := NewElevenLabsClient("secret", server.URL, "")
	audio, err := c.Synthesize(context.Background(), "Hello", "voice-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3fake"), audio)
}

func TestElevenLabs_ErrorEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Code
	}{
		{"invalid key", 401, `{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`, CodeInvalidAPIKey},
		{"quota", 401, `{"detail":{"status":"quota_exceeded","message":"This request exceeds your quota"}}`, CodeQuotaExceeded},
		{"voice", 400, `{"detail":{"status":"voice_not_found","message":"A voice with the voice_id was not found."}}`, CodeInvalidVoiceID},
		{"string detail", 429, `{"detail":"Too many requests"}`, CodeRateLimited},
		{"plain body", 502, `bad gateway`, CodeServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			c := NewElevenLabsClient("k", server.URL, "")
			_, err := c.Synthesize(context.Background(), "Hello", "v")

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}

func TestElevenLabs_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := NewElevenLabsClient("k", url, "")
	_, err := c.Synthesize(context.Background(), "Hello", "v")
	require.Error(t, err)
	assert.Equal(t, CodeNetworkError, Classify(err))
}

func TestElevenLabs_ListVoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/voices", r.URL.Path)
		_, _ = io.WriteString(w, `{"voices":[{"voice_id":"21m00Tcm4TlvDq8ikWAM","name":"Rachel","category":"premade"}]}`)
	}))
	defer server.Close()

	voices, err := NewElevenLabsClient("k", server.URL, "").ListVoices(context.Background())
	require.NoError(t, err)
	require.Len(t, voices, 1)
	assert.Equal(t, "21m00Tcm4TlvDq8ikWAM", voices[0].ID)
	assert.Equal(t, "Rachel", voices[0].Name)
}

func TestOpenAISpeech_Synthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Hello", body["input"])
		assert.Equal(t, "nova", body["voice"])
		assert.Equal(t, "mp3", body["response_format"])

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3openai"))
	}))
	defer server.Close()

	s := NewOpenAISpeech("sk-test", server.URL, "")
	audio, err := s.Synthesize(context.Background(), "Hello", "nova")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3openai"), audio)
}

func TestOpenAISpeech_ErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","param":null,"code":"insufficient_quota"}}`)
	}))
	defer server.Close()

	s := NewOpenAISpeech("sk-test", server.URL, "")
	_, err := s.Synthesize(context.Background(), "Hello", "nova")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.Equal(t, CodeQuotaExceeded, Classify(err))
}

func TestOpenAISpeech_ListVoices(t *testing.T) {
	voices, err := NewOpenAISpeech("k", "", "").ListVoices(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(voices), 6)
}

func TestNewSynthesizer(t *testing.T) {
	s, err := NewSynthesizer("elevenlabs", "k", "", "")
	require.NoError(t, err)
	assert.Equal(t, "elevenlabs", s.Name())

	s, err = NewSynthesizer("openai", "k", "", "")
	require.NoError(t, err)
	assert.Equal(t, "openai", s.Name())

	_, err = NewSynthesizer("polly", "k", "", "")
	assert.Error(t, err)

	var _ VoiceLister = (*ElevenLabsClient)(nil)
	var _ VoiceLister = (*OpenAISpeech)(nil)
}
