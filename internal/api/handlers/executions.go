package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Store.GetConversation(r.Context(), chi.URLParam(r, "conversationId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// GetExecution returns an execution with its sub-executions, thread
// messages and aggregated tokens.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.Executions.GetOneWithCheckpoint(r.Context(), chi.URLParam(r, "executionId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// ListBuiltinToolsets lists builtin provider schemas, filtered by
// ?names= and ?tags= (a provider must carry every tag).
func (h *Handlers) ListBuiltinToolsets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providers, err := h.Toolsets.List(splitList(q["names"]), splitList(q["tags"]))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, providers)
}
