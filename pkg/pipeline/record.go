package pipeline

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picoavatar/pkg/audio"
	"github.com/sipeed/picoavatar/pkg/lipsync"
	"github.com/sipeed/picoavatar/pkg/utils"
	"github.com/sipeed/picoavatar/pkg/voice"
)

// maxRecordText bounds the source text copied into a record.
const maxRecordText = 120

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
)

// Step names the pipeline step that failed.
type Step string

const (
	StepSynthesis  Step = "synthesis"
	StepTranscode  Step = "transcode"
	StepExtraction Step = "extraction"
	StepEncoding   Step = "encoding"
)

// Cause is the class of a failure, independent of the step.
type Cause string

const (
	CauseCredential      Cause = "credential"
	CauseQuota           Cause = "quota"
	CauseInvalidInput    Cause = "invalid_input"
	CauseToolUnavailable Cause = "tool_unavailable"
	CauseToolRejected    Cause = "tool_rejected"
	CauseTimeout         Cause = "timeout"
	CauseRateLimit       Cause = "rate_limit"
	CauseNetwork         Cause = "network"
	CauseServer          Cause = "server"
	CauseFormatCorrupt   Cause = "format_corrupt"
	CauseUnknown         Cause = "unknown"
)

// Severity maps a cause to its log severity.
func (c Cause) Severity() Severity {
	switch c {
	case CauseCredential, CauseQuota:
		return SeverityCritical
	case CauseRateLimit, CauseNetwork, CauseServer:
		return SeverityWarning
	case CauseInvalidInput, CauseToolUnavailable, CauseToolRejected, CauseTimeout, CauseFormatCorrupt, CauseUnknown:
		return SeverityError
	default:
		return SeverityError
	}
}

const (
	CodeSynthesisOutputInvalid = "SYNTHESIS_OUTPUT_INVALID"
	CodeEncodeUnavailable      = "ENCODE_UNAVAILABLE"
)

// ErrEncodeUnavailable marks an encoder that produced no output.
var ErrEncodeUnavailable = errors.New("audio could not be encoded")

type RecordContext struct {
	ArtifactID       string `json:"artifact_id"`
	Index            int    `json:"index"`
	SourceText       string `json:"source_text"`
	CompressedPath   string `json:"compressed_path,omitempty"`
	UncompressedPath string `json:"uncompressed_path,omitempty"`
	TrackPath        string `json:"track_path,omitempty"`
}

// ErrorRecord is one append-only entry describing a stage failure.
type ErrorRecord struct {
	ID        string        `json:"id"`
	Time      time.Time     `json:"time"`
	Severity  Severity      `json:"severity"`
	Code      string        `json:"code"`
	Cause     Cause         `json:"cause"`
	Step      Step          `json:"stage"`
	Retryable bool          `json:"retryable"`
	Message   string        `json:"message"`
	Context   RecordContext `json:"context"`
}

// NewRecord classifies err raised by step for artifact a.
func NewRecord(step Step, err error, a *Artifact) ErrorRecord {
	code, cause, retryable := classify(step, err)
	rec := ErrorRecord{
		ID:        uuid.NewString(),
		Time:      time.Now().UTC(),
		Severity:  cause.Severity(),
		Code:      code,
		Cause:     cause,
		Step:      step,
		Retryable: retryable,
	}
	if err != nil {
		rec.Message = err.Error()
	}
	if a != nil {
		rec.Context = RecordContext{
			ArtifactID:       a.ID,
			Index:            a.Index,
			SourceText:       utils.Truncate(a.SourceText, maxRecordText),
			CompressedPath:   a.Paths.Compressed,
			UncompressedPath: a.Paths.Uncompressed,
			TrackPath:        a.Paths.Track,
		}
	}
	return rec
}

func classify(step Step, err error) (string, Cause, bool) {
	var se *voice.SynthesisError
	if errors.As(err, &se) {
		return string(se.Code), synthesisCause(se.Code), se.Retryable
	}
	var te *audio.TranscodeError
	if errors.As(err, &te) {
		return codeFor(StepTranscode, string(te.Category)), transcodeCause(te.Category), false
	}
	var xe *lipsync.ExtractionError
	if errors.As(err, &xe) {
		return codeFor(StepExtraction, string(xe.Category)), extractionCause(xe.Category), false
	}
	if errors.Is(err, ErrSynthesisOutputInvalid) {
		return CodeSynthesisOutputInvalid, CauseFormatCorrupt, false
	}
	if errors.Is(err, ErrEncodeUnavailable) {
		return CodeEncodeUnavailable, CauseFormatCorrupt, false
	}
	return codeFor(step, "unknown"), CauseUnknown, false
}

func codeFor(step Step, category string) string {
	return strings.ToUpper(string(step) + "_" + category)
}

func synthesisCause(code voice.Code) Cause {
	switch code {
	case voice.CodeMissingAPIKey, voice.CodeMissingVoiceID, voice.CodeInvalidAPIKey:
		return CauseCredential
	case voice.CodeQuotaExceeded:
		return CauseQuota
	case voice.CodeEmptyText, voice.CodeTextTooLong, voice.CodeInvalidVoiceID:
		return CauseInvalidInput
	case voice.CodeRateLimited:
		return CauseRateLimit
	case voice.CodeNetworkError:
		return CauseNetwork
	case voice.CodeServerError:
		return CauseServer
	case voice.CodeEmptyAudioFile:
		return CauseFormatCorrupt
	case voice.CodeUnknownError:
		return CauseUnknown
	default:
		return CauseUnknown
	}
}

func transcodeCause(c audio.Category) Cause {
	switch c {
	case audio.CategoryToolUnavailable:
		return CauseToolUnavailable
	case audio.CategoryMissingInput, audio.CategoryPermission:
		return CauseInvalidInput
	case audio.CategoryCorruptInput, audio.CategoryBadOutput:
		return CauseFormatCorrupt
	case audio.CategoryMissingCodec, audio.CategoryGeneric:
		return CauseToolRejected
	case audio.CategoryTimeout:
		return CauseTimeout
	default:
		return CauseUnknown
	}
}

func extractionCause(c lipsync.Category) Cause {
	switch c {
	case lipsync.CategoryToolUnavailable:
		return CauseToolUnavailable
	case lipsync.CategoryInvalidInput:
		return CauseInvalidInput
	case lipsync.CategoryTimeout:
		return CauseTimeout
	case lipsync.CategoryToolRejected:
		return CauseToolRejected
	case lipsync.CategoryBadOutput:
		return CauseFormatCorrupt
	default:
		return CauseUnknown
	}
}
