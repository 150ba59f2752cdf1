package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/sipeed/picoavatar/pkg/chat"
	"github.com/sipeed/picoavatar/pkg/logger"
	"github.com/sipeed/picoavatar/pkg/media"
)

const (
	GreetingPrefix = "intro"
	NoticePrefix   = "api"
)

// Responder produces the reply batch for a user message.
type Responder interface {
	Respond(ctx context.Context, userMessage string) ([]chat.Message, error)
}

type ServiceConfig struct {
	Layout    media.Layout
	Greetings []chat.Message
	Notices   []chat.Message
	// Ready is false when speech or LLM credentials are missing; replies
	// are then the fixed notices.
	Ready bool
	// KeepArtifacts leaves each request's scoped directory on disk.
	KeepArtifacts bool
}

// Service answers one user turn with voiced payloads.
type Service struct {
	orch      *Orchestrator
	responder Responder
	cfg       ServiceConfig
}

func NewService(orch *Orchestrator, responder Responder, cfg ServiceConfig) *Service {
	return &Service{orch: orch, responder: responder, cfg: cfg}
}

func (s *Service) Orchestrator() *Orchestrator { return s.orch }

// Reply answers userMessage. Missing credentials yield the notices, an
// empty message yields the greetings. Otherwise the responder's messages
// are voiced in a request-scoped directory.
func (s *Service) Reply(ctx context.Context, userMessage string, emit EmitFunc) ([]Payload, error) {
	if err := s.cfg.Layout.Ensure(); err != nil {
		return nil, err
	}

	switch {
	case !s.cfg.Ready:
		logger.InfoC("pipeline", "Credentials missing, replying with notices")
		return s.orch.ProcessScripted(ctx, s.cfg.Layout, NoticePrefix, s.cfg.Notices, emit), nil
	case strings.TrimSpace(userMessage) == "":
		return s.orch.ProcessScripted(ctx, s.cfg.Layout, GreetingPrefix, s.cfg.Greetings, emit), nil
	}

	if s.responder == nil {
		return nil, errors.New("no responder configured")
	}
	msgs, err := s.responder.Respond(ctx, userMessage)
	if err != nil {
		return nil, err
	}
	return s.Speak(ctx, msgs, emit)
}

// Speak voices msgs directly, skipping the responder. Every call gets its
// own scoped directory so concurrent requests never share message files.
func (s *Service) Speak(ctx context.Context, msgs []chat.Message, emit EmitFunc) ([]Payload, error) {
	scope := s.cfg.Layout.Scope()
	if err := scope.Ensure(); err != nil {
		return nil, err
	}
	if !s.cfg.KeepArtifacts {
		defer func() { _ = scope.Release(s.cfg.Layout) }()
	}
	return s.orch.ProcessBatch(ctx, scope, msgs, emit), nil
}
