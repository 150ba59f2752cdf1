// Package gateway serves voiced replies to the avatar client over HTTP and
// WebSocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picoavatar/pkg/config"
	"github.com/sipeed/picoavatar/pkg/logger"
	"github.com/sipeed/picoavatar/pkg/pipeline"
	"github.com/sipeed/picoavatar/pkg/ratelimit"
	"github.com/sipeed/picoavatar/pkg/voice"
)

const (
	maxRequestBytes = 64 << 10
	shutdownTimeout = 5 * time.Second
)

// Replier answers one user turn. *pipeline.Service satisfies it.
type Replier interface {
	Reply(ctx context.Context, userMessage string, emit pipeline.EmitFunc) ([]pipeline.Payload, error)
}

// VoiceSource lists the speech provider's voices. *voice.Stage satisfies it.
type VoiceSource interface {
	ListVoices(ctx context.Context) ([]voice.Voice, bool, error)
	Provider() string
}

// ThrottleReporter exposes the speech rate limiter's state to /health.
// *ratelimit.Limiter satisfies it.
type ThrottleReporter interface {
	Status() ratelimit.Status
}

type Server struct {
	cfg      config.GatewayConfig
	replier  Replier
	voices   VoiceSource
	throttle ThrottleReporter
	upgrader websocket.Upgrader
	server   *http.Server
}

func NewServer(cfg config.GatewayConfig, replier Replier, voices VoiceSource) *Server {
	s := &Server{cfg: cfg, replier: replier, voices: voices}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.cfg.OriginAllowed(r.Header.Get("Origin"))
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 64 << 10,
	}
	return s
}

// SetThrottle makes /health report t. Call before serving.
func (s *Server) SetThrottle(t ThrottleReporter) { s.throttle = t }

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /voices", s.handleVoices)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s.cors(mux)
}

// Serve runs on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("gateway", "HTTP server starting", map[string]any{"addr": listener.Addr().String()})
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

// ListenAndServe binds the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr, err := s.cfg.ResolvedAddr()
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.InfoC("gateway", "HTTP server stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.cfg.OriginAllowed(origin) {
				writeJSONError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
