// Package chat turns a user utterance into the short batch of avatar
// messages that the audio pipeline voices.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sipeed/picoavatar/pkg/config"
)

// MaxMessages caps a single reply batch.
const MaxMessages = 3

const (
	DefaultExpression = "default"
	DefaultAnimation  = "Talking_0"
)

var (
	Expressions = []string{"smile", "sad", "angry", "surprised", "funnyFace", DefaultExpression}
	Animations  = []string{"Talking_0", "Talking_1", "Talking_2", "Crying", "Laughing", "Rumba", "Idle", "Terrified", "Angry"}
)

var ErrNoMessages = errors.New("reply contained no messages")

type Message struct {
	Text             string `json:"text"`
	FacialExpression string `json:"facialExpression"`
	Animation        string `json:"animation"`
}

// Normalize replaces unknown expression or animation values with defaults.
func (m Message) Normalize() Message {
	m.Text = strings.TrimSpace(m.Text)
	if !contains(Expressions, m.FacialExpression) {
		m.FacialExpression = DefaultExpression
	}
	if !contains(Animations, m.Animation) {
		m.Animation = DefaultAnimation
	}
	return m
}

func FromScripted(in []config.ScriptedMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, s := range in {
		out = append(out, Message{
			Text:             s.Text,
			FacialExpression: s.FacialExpression,
			Animation:        s.Animation,
		}.Normalize())
	}
	return out
}

// ParseReply accepts {"messages":[...]}, a bare array, or a single message
// object. Code fences around the JSON are tolerated.
func ParseReply(raw string) ([]Message, error) {
	body := stripFence(strings.TrimSpace(raw))
	if body == "" {
		return nil, ErrNoMessages
	}

	var msgs []Message
	switch body[0] {
	case '[':
		if err := json.Unmarshal([]byte(body), &msgs); err != nil {
			return nil, fmt.Errorf("failed to parse reply array: %w", err)
		}
	case '{':
		var envelope struct {
			Messages json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal([]byte(body), &envelope); err != nil {
			return nil, fmt.Errorf("failed to parse reply object: %w", err)
		}
		if len(envelope.Messages) > 0 {
			if err := json.Unmarshal(envelope.Messages, &msgs); err != nil {
				return nil, fmt.Errorf("failed to parse reply messages: %w", err)
			}
		} else {
			var single Message
			if err := json.Unmarshal([]byte(body), &single); err != nil {
				return nil, fmt.Errorf("failed to parse reply message: %w", err)
			}
			msgs = []Message{single}
		}
	default:
		// plain prose; speak it as one message
		msgs = []Message{{Text: body}}
	}

	out := make([]Message, 0, MaxMessages)
	for _, m := range msgs {
		m = m.Normalize()
		if m.Text == "" {
			continue
		}
		out = append(out, m)
		if len(out) == MaxMessages {
			break
		}
	}
	if len(out) == 0 {
		return nil, ErrNoMessages
	}
	return out, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
