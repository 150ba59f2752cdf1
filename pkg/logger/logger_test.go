package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureConsole(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	prevLevel := GetLevel()
	t.Cleanup(func() {
		SetOutput(prev)
		SetLevel(prevLevel)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warn":    WARN,
		"warning": WARN,
		"error":   ERROR,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureConsole(t)
	SetLevel(WARN)

	InfoCF("pipeline", "hidden", nil)
	WarnCF("pipeline", "shown", map[string]any{"index": 2})

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] pipeline: shown {index=2}")
}

func TestFieldsSortedAndRedacted(t *testing.T) {
	buf := captureConsole(t)
	SetLevel(DEBUG)

	DebugCF("voice", "request", map[string]any{
		"voice_id": "abc",
		"api_key":  "secret-value",
		"bytes":    10,
	})

	out := buf.String()
	assert.Contains(t, out, "{api_key=[REDACTED], bytes=10, voice_id=abc}")
	assert.NotContains(t, out, "secret-value")
}

func TestFileLoggingWritesJSON(t *testing.T) {
	captureConsole(t)
	SetLevel(INFO)

	path := filepath.Join(t.TempDir(), "avatar.log")
	require.NoError(t, EnableFileLogging(path))
	ErrorCF("audio", "transcode failed", map[string]any{"error": errors.New("exit status 1")})
	DisableFileLogging()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	line := strings.TrimSpace(string(data))
	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "ERROR", entry.Level)
	assert.Equal(t, "audio", entry.Component)
	assert.Equal(t, "exit status 1", entry.Fields["error"])
	assert.NotEmpty(t, entry.Caller)
}

func TestRedactionToggle(t *testing.T) {
	buf := captureConsole(t)
	SetLevel(INFO)
	defer SetRedactionEnabled(true)

	SetRedactionEnabled(false)
	assert.False(t, IsRedactionEnabled())
	InfoC("gateway", "token sk-proj-1234567890abcdefghijklmnop")
	assert.Contains(t, buf.String(), "sk-proj-1234567890abcdefghijklmnop")
}
