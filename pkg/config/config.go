package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/sipeed/picoavatar/pkg/redaction"
)

// Duration is a time.Duration that reads "2s"-style strings from JSON and
// the environment, and plain numbers as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %w", err)
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type SpeechConfig struct {
	Provider          string   `json:"provider" env:"PICOAVATAR_SPEECH_PROVIDER"`
	APIKey            string   `json:"api_key" env:"PICOAVATAR_SPEECH_API_KEY"`
	VoiceID           string   `json:"voice_id" env:"PICOAVATAR_SPEECH_VOICE_ID"`
	ModelID           string   `json:"model_id" env:"PICOAVATAR_SPEECH_MODEL_ID"`
	BaseURL           string   `json:"base_url" env:"PICOAVATAR_SPEECH_BASE_URL"`
	MaxTextLength     int      `json:"max_text_length" env:"PICOAVATAR_SPEECH_MAX_TEXT_LENGTH"`
	RequestsPerMinute int      `json:"requests_per_minute" env:"PICOAVATAR_SPEECH_REQUESTS_PER_MINUTE"`
	// PerVoiceLimit gives each voice id its own requests_per_minute bucket.
	PerVoiceLimit     bool     `json:"per_voice_limit" env:"PICOAVATAR_SPEECH_PER_VOICE_LIMIT"`
	Timeout           Duration `json:"timeout" env:"PICOAVATAR_SPEECH_TIMEOUT"`
}

type LLMConfig struct {
	Provider    string  `json:"provider" env:"PICOAVATAR_LLM_PROVIDER"`
	Model       string  `json:"model" env:"PICOAVATAR_LLM_MODEL"`
	APIKey      string  `json:"api_key" env:"PICOAVATAR_LLM_API_KEY"`
	BaseURL     string  `json:"base_url" env:"PICOAVATAR_LLM_BASE_URL"`
	MaxTokens   int     `json:"max_tokens" env:"PICOAVATAR_LLM_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"PICOAVATAR_LLM_TEMPERATURE"`
}

type ToolsConfig struct {
	FFmpegPath   string   `json:"ffmpeg_path" env:"PICOAVATAR_FFMPEG_PATH"`
	RhubarbPath  string   `json:"rhubarb_path" env:"PICOAVATAR_RHUBARB_PATH"`
	RhubarbMode  string   `json:"rhubarb_mode" env:"PICOAVATAR_RHUBARB_MODE"`
	ProbeTimeout Duration `json:"probe_timeout" env:"PICOAVATAR_TOOLS_PROBE_TIMEOUT"`
	RunTimeout   Duration `json:"run_timeout" env:"PICOAVATAR_TOOLS_RUN_TIMEOUT"`
}

type ReadinessConfig struct {
	CreationWait  Duration `json:"creation_wait" env:"PICOAVATAR_READINESS_CREATION_WAIT"`
	StabilityWait Duration `json:"stability_wait" env:"PICOAVATAR_READINESS_STABILITY_WAIT"`
	PollInterval  Duration `json:"poll_interval" env:"PICOAVATAR_READINESS_POLL_INTERVAL"`
	EncodeWait    Duration `json:"encode_wait" env:"PICOAVATAR_READINESS_ENCODE_WAIT"`
}

type PipelineConfig struct {
	AudioDir             string   `json:"audio_dir" env:"PICOAVATAR_AUDIO_DIR"`
	Concurrency          int      `json:"concurrency" env:"PICOAVATAR_PIPELINE_CONCURRENCY"`
	ValidationRetryDelay Duration `json:"validation_retry_delay" env:"PICOAVATAR_PIPELINE_RETRY_DELAY"`
	MessageTimeout       Duration `json:"message_timeout" env:"PICOAVATAR_PIPELINE_MESSAGE_TIMEOUT"`
	DefaultVoiceMIME     string   `json:"default_voice_mime" env:"PICOAVATAR_PIPELINE_DEFAULT_MIME"`
}

// ScriptedMessage is a fixed avatar line used for greetings and notices.
type ScriptedMessage struct {
	Text             string `json:"text"`
	FacialExpression string `json:"facial_expression"`
	Animation        string `json:"animation"`
}

type ChatConfig struct {
	SystemPrompt string            `json:"system_prompt" env:"PICOAVATAR_CHAT_SYSTEM_PROMPT"`
	Greetings    []ScriptedMessage `json:"greetings"`
	KeyNotices   []ScriptedMessage `json:"key_notices"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled" env:"PICOAVATAR_JOURNAL_ENABLED"`
	Path    string `json:"path" env:"PICOAVATAR_JOURNAL_PATH"`
}

type GatewayConfig struct {
	Host           string   `json:"host" env:"PICOAVATAR_GATEWAY_HOST"`
	Port           int      `json:"port" env:"PICOAVATAR_GATEWAY_PORT"`
	AllowedOrigins []string `json:"allowed_origins" env:"PICOAVATAR_GATEWAY_ALLOWED_ORIGINS" envSeparator:","`
}

type LoggingConfig struct {
	Level     string           `json:"level" env:"PICOAVATAR_LOG_LEVEL"`
	File      string           `json:"file" env:"PICOAVATAR_LOG_FILE"`
	Redaction redaction.Config `json:"redaction"`
}

type Config struct {
	Speech    SpeechConfig    `json:"speech"`
	LLM       LLMConfig       `json:"llm"`
	Tools     ToolsConfig     `json:"tools"`
	Readiness ReadinessConfig `json:"readiness"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Chat      ChatConfig      `json:"chat"`
	Journal   JournalConfig   `json:"journal"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging"`
	mu        sync.RWMutex
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }

// AudioDir returns the artifact directory with ~ expanded.
func (c *Config) AudioDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Pipeline.AudioDir)
}

func (c *Config) JournalPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Journal.Path)
}

func (c *Config) HasSpeechCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.TrimSpace(c.Speech.APIKey) != ""
}

func (c *Config) HasLLMCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.TrimSpace(c.LLM.APIKey) != ""
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
