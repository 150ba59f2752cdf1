package config

import (
	"time"

	"github.com/sipeed/picoavatar/pkg/redaction"
)

const (
	DefaultMaxTextLength = 5000
	DefaultGatewayPort   = 3000
)

// DefaultConfig returns the default configuration for picoavatar.
func DefaultConfig() *Config {
	return &Config{
		Speech: SpeechConfig{
			Provider:          "elevenlabs",
			ModelID:           "eleven_multilingual_v2",
			MaxTextLength:     DefaultMaxTextLength,
			RequestsPerMinute: 60,
			Timeout:           Duration(30 * time.Second),
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   1000,
			Temperature: 0.6,
		},
		Tools: ToolsConfig{
			FFmpegPath:   "ffmpeg",
			RhubarbPath:  "rhubarb",
			RhubarbMode:  "phonetic",
			ProbeTimeout: Duration(5 * time.Second),
			RunTimeout:   Duration(60 * time.Second),
		},
		Readiness: ReadinessConfig{
			CreationWait:  Duration(5 * time.Second),
			StabilityWait: Duration(2 * time.Second),
			PollInterval:  Duration(100 * time.Millisecond),
			EncodeWait:    Duration(2 * time.Second),
		},
		Pipeline: PipelineConfig{
			AudioDir:             "~/.picoavatar/audios",
			Concurrency:          1,
			ValidationRetryDelay: Duration(500 * time.Millisecond),
			MessageTimeout:       Duration(2 * time.Minute),
			DefaultVoiceMIME:     "audio/mpeg",
		},
		Chat: ChatConfig{
			SystemPrompt: "You are a friendly virtual companion. Keep answers short and warm.",
			Greetings: []ScriptedMessage{
				{Text: "Hey there... How was your day?", FacialExpression: "smile", Animation: "Talking_1"},
				{Text: "I missed you so much... Please don't go for so long!", FacialExpression: "sad", Animation: "Crying"},
			},
			KeyNotices: []ScriptedMessage{
				{Text: "Please don't forget to add your API keys!", FacialExpression: "angry", Animation: "Angry"},
				{Text: "I can't talk properly until the speech and chat keys are configured.", FacialExpression: "smile", Animation: "Laughing"},
			},
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "~/.picoavatar/journal.db",
		},
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           DefaultGatewayPort,
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: redaction.DefaultConfig(),
		},
	}
}
