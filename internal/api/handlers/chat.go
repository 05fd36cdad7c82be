package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/xpertai/control-plane/internal/chat"
	"github.com/xpertai/control-plane/pkg/middleware"
)

type chatRequest struct {
	chat.Request
	Options chat.Options `json:"options"`
}

// StreamChat runs one turn and streams its frames as server-sent events.
// Errors before the first frame are answered as JSON; once streaming has
// started every outcome is reported in-band. A client disconnect cancels
// the turn.
func (h *Handlers) StreamChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.XpertID == "" {
		respondError(w, http.StatusBadRequest, "xpertId is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	ctx := r.Context()
	req.WorkspaceID = middleware.GetWorkspace(ctx)
	req.UserID = middleware.GetUser(ctx)

	events, err := h.Chat.Chat(ctx, req.Request, req.Options)
	if err != nil {
		respondErr(w, err)
		return
	}

	// Turns outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writable := true
	for ev := range events {
		if !writable {
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			log.Warn().Err(err).Str("event", string(ev.Event)).Msg("Failed to encode chat event")
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			writable = false
			continue
		}
		flusher.Flush()
	}
}

func (h *Handlers) CancelChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationId")
	if !h.Chat.Cancel(id) {
		respondError(w, http.StatusNotFound, "no running turn for conversation "+id)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "canceled", "conversationId": id})
}
