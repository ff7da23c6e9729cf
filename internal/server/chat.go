package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/hivemind-ai/hivemind/internal/orchestrator"
)

// chatRequest is the POST /api/chat body.
type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// chatResponse is the POST /api/chat reply.
type chatResponse struct {
	Response       string  `json:"response"`
	RequestID      string  `json:"request_id"`
	Intent         string  `json:"intent"`
	PathTaken      string  `json:"path_taken"`
	ProcessingTime float64 `json:"processing_time"`
}

// handleChat runs one request through the pipeline synchronously.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not initialized")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if utf8.RuneCountInString(req.Message) > maxChatMessageChars {
		writeError(w, http.StatusBadRequest, "message too long")
		return
	}

	state := s.orch.ProcessRequest(r.Context(), req.Message, req.ConversationID)
	if state.Phase != orchestrator.PhaseComplete {
		slog.Error("chat request failed",
			"request_id", state.RequestID,
			"phase", state.Phase,
			"err", state.Error,
		)
		status := http.StatusInternalServerError
		if state.Error == "request_timeout" {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, state.Error)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Response:       state.FinalResponse,
		RequestID:      state.RequestID,
		Intent:         string(state.Intent),
		PathTaken:      state.PathTaken,
		ProcessingTime: state.Duration.Seconds(),
	})
}
