package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picoavatar/pkg/logger"
	"github.com/sipeed/picoavatar/pkg/pipeline"
)

type ChatRequest struct {
	Message string `json:"message"`
}

type ChatResponse struct {
	Messages []pipeline.Payload `json:"messages"`
}

// frame is one WebSocket message pushed to the client.
type frame struct {
	Type    string            `json:"type"`
	Index   *int              `json:"index,omitempty"`
	Message *pipeline.Payload `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.throttle != nil {
		body["speech_throttle"] = s.throttle.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if s.voices == nil {
		writeJSONError(w, http.StatusNotImplemented, "voice listing not available")
		return
	}
	voices, ok, err := s.voices.ListVoices(r.Context())
	switch {
	case !ok:
		writeJSONError(w, http.StatusNotImplemented, s.voices.Provider()+" does not list voices")
	case err != nil:
		logger.WarnCF("gateway", "Voice listing failed", map[string]any{"error": err.Error()})
		writeJSONError(w, http.StatusBadGateway, "voice listing failed")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"provider": s.voices.Provider(), "voices": voices})
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	start := time.Now()
	payloads, err := s.replier.Reply(r.Context(), req.Message, nil)
	if err != nil {
		logger.ErrorCF("gateway", "Reply failed", map[string]any{"error": err.Error()})
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	logger.InfoCF("gateway", "Chat answered", map[string]any{
		"messages": len(payloads),
		"elapsed":  time.Since(start).String(),
	})
	writeJSON(w, http.StatusOK, ChatResponse{Messages: payloads})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("gateway", "WebSocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugCF("gateway", "WebSocket read ended", map[string]any{"error": err.Error()})
			}
			return
		}

		var writeErr error
		_, err := s.replier.Reply(r.Context(), req.Message, func(i int, p pipeline.Payload) {
			if writeErr == nil {
				writeErr = conn.WriteJSON(frame{Type: "message", Index: &i, Message: &p})
			}
		})
		if writeErr != nil {
			logger.DebugCF("gateway", "WebSocket write failed", map[string]any{"error": writeErr.Error()})
			return
		}
		if err != nil {
			if werr := conn.WriteJSON(frame{Type: "error", Error: err.Error()}); werr != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(frame{Type: "done"}); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.ErrorCF("gateway", "failed to encode JSON response", map[string]any{"error": err.Error()})
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
