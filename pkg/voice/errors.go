package voice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type Code string

const (
	CodeMissingAPIKey  Code = "MISSING_API_KEY"
	CodeMissingVoiceID Code = "MISSING_VOICE_ID"
	CodeEmptyText      Code = "EMPTY_TEXT"
	CodeTextTooLong    Code = "TEXT_TOO_LONG"
	CodeInvalidAPIKey  Code = "INVALID_API_KEY"
	CodeInvalidVoiceID Code = "INVALID_VOICE_ID"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeQuotaExceeded  Code = "QUOTA_EXCEEDED"
	CodeNetworkError   Code = "NETWORK_ERROR"
	CodeServerError    Code = "SERVER_ERROR"
	CodeUnknownError   Code = "UNKNOWN_ERROR"
	CodeEmptyAudioFile Code = "EMPTY_AUDIO_FILE"
)

// Retryable reports whether a later attempt with the same input may succeed.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeNetworkError, CodeServerError:
		return true
	default:
		return false
	}
}

// MaxSuggestions caps the voice ids offered with INVALID_VOICE_ID.
const MaxSuggestions = 5

// SynthesisError is the classified failure of a synthesis attempt.
type SynthesisError struct {
	Code        Code
	Retryable   bool
	Suggestions []string
	Err         error
}

func newError(code Code, err error) *SynthesisError {
	return &SynthesisError{Code: code, Retryable: code.Retryable(), Err: err}
}

func (e *SynthesisError) Error() string {
	msg := "speech synthesis failed: " + string(e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Suggestions) > 0 {
		msg += fmt.Sprintf(" (try one of: %s)", strings.Join(e.Suggestions, ", "))
	}
	return msg
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Classify maps a provider or transport error onto the synthesis taxonomy.
func Classify(err error) Code {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeNetworkError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeNetworkError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeNetworkError
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "connection reset"),
		strings.HasSuffix(lower, "eof"):
		return CodeNetworkError
	}
	return CodeUnknownError
}

func classifyAPIError(e *APIError) Code {
	status := strings.ToLower(e.Status + " " + e.Message)

	switch {
	case strings.Contains(status, "quota"),
		strings.Contains(status, "insufficient_quota"),
		strings.Contains(status, "character_limit"),
		e.StatusCode == http.StatusPaymentRequired:
		return CodeQuotaExceeded
	case strings.Contains(status, "voice_not_found"),
		strings.Contains(status, "voice_does_not_exist"),
		strings.Contains(status, "invalid voice"),
		e.StatusCode == http.StatusNotFound:
		return CodeInvalidVoiceID
	case e.StatusCode == http.StatusUnauthorized,
		e.StatusCode == http.StatusForbidden,
		strings.Contains(status, "invalid_api_key"):
		return CodeInvalidAPIKey
	case e.StatusCode == http.StatusTooManyRequests:
		return CodeRateLimited
	case e.StatusCode >= 500:
		return CodeServerError
	default:
		return CodeUnknownError
	}
}
