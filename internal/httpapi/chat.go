package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/zm-bad/dagchat/internal/chat"
)

// handleChat streams one conversational turn as server-sent events.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.ConversationID == "" {
		fail(w, http.StatusBadRequest, 400, "conversation_id is required")
		return
	}
	if req.Message == "" {
		fail(w, http.StatusBadRequest, 400, "message is required")
		return
	}
	if req.UserID == "" {
		req.UserID = defaultUserID
	}
	if req.Model == "" {
		req.Model = defaultModel
	}

	if !s.limiter.Allow(req.UserID) {
		fail(w, http.StatusTooManyRequests, 429, "too many requests")
		return
	}

	slog.Info("chat.request", "user_id", req.UserID, "conversation_id", req.ConversationID,
		"model", req.Model, "parent_ids", len(req.ParentIDs), "deep_thinking", req.DeepThinking)

	flusher, ok := w.(http.Flusher)
	if !ok {
		fail(w, http.StatusInternalServerError, 500, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.dispatcher.Run(r.Context(), req, &sseWriter{w: w, flusher: flusher})
}

// sseWriter frames JSON values as `data: <json>\n\n` and flushes after each
// frame. Write errors surface the client disconnect to the dispatcher.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
