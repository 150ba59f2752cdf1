package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/picoavatar/pkg/config"
	"github.com/sipeed/picoavatar/pkg/logger"
	"github.com/sipeed/picoavatar/pkg/utils"
)

const defaultRequestTimeout = 60 * time.Second

// TextGenerator is one completion call against an LLM back-end.
type TextGenerator interface {
	Name() string
	Generate(ctx context.Context, system, user string) (string, error)
}

type Responder struct {
	gen    TextGenerator
	prompt string
}

func NewResponder(gen TextGenerator, systemPrompt string) *Responder {
	return &Responder{gen: gen, prompt: systemPrompt}
}

// SystemPrompt is the configured persona followed by the reply format.
func (r *Responder) SystemPrompt() string {
	var sb strings.Builder
	if p := strings.TrimSpace(r.prompt); p != "" {
		sb.WriteString(p)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Always reply with a JSON object of the form {\"messages\": [...]} holding at most %d messages.\n", MaxMessages)
	sb.WriteString("Each message has a text, a facialExpression and an animation.\n")
	fmt.Fprintf(&sb, "The facial expressions are %s.\n", strings.Join(Expressions, ", "))
	fmt.Fprintf(&sb, "The animations are %s.", strings.Join(Animations, ", "))
	return sb.String()
}

func (r *Responder) Respond(ctx context.Context, userMessage string) ([]Message, error) {
	if r.gen == nil {
		return nil, fmt.Errorf("chat: no text generator configured")
	}
	start := time.Now()
	raw, err := r.gen.Generate(ctx, r.SystemPrompt(), userMessage)
	if err != nil {
		logger.ErrorCF("chat", "Completion failed", map[string]any{
			"provider": r.gen.Name(),
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("chat completion via %s: %w", r.gen.Name(), err)
	}

	msgs, err := ParseReply(raw)
	if err != nil {
		logger.WarnCF("chat", "Unusable completion", map[string]any{
			"provider": r.gen.Name(),
			"error":    err.Error(),
			"raw":      utils.Truncate(raw, 200),
		})
		return nil, err
	}
	logger.InfoCF("chat", "Reply ready", map[string]any{
		"provider": r.gen.Name(),
		"messages": len(msgs),
		"elapsed":  time.Since(start).String(),
	})
	return msgs, nil
}

// NewGenerator builds the back-end named by cfg.Provider.
func NewGenerator(cfg config.LLMConfig) (TextGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return NewOpenAIGenerator(cfg), nil
	case "anthropic", "claude":
		return NewAnthropicGenerator(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
