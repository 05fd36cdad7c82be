package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/xpertai/control-plane/pkg/contracts"
	"github.com/xpertai/control-plane/pkg/middleware"
)

// KnowledgeHandlers serves knowledgebase ingest and search.
type KnowledgeHandlers struct {
	Knowledge contracts.KnowledgeBase
}

// ── Ingest / Search ──────────────────────────────────────────

type ingestRequest struct {
	Documents []struct {
		Content  string            `json:"content"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"documents"`
}

type ingestResult struct {
	KnowledgebaseID string `json:"knowledgebaseId"`
	ChunksAdded     int    `json:"chunksAdded"`
	TotalChunks     int    `json:"totalChunks"`
}

// IngestDocuments handles POST /api/v1/knowledgebases/{knowledgebaseId}/documents
func (h *KnowledgeHandlers) IngestDocuments(w http.ResponseWriter, r *http.Request) {
	kbID := chi.URLParam(r, "knowledgebaseId")

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Documents) == 0 {
		respondError(w, http.StatusBadRequest, "documents array is required")
		return
	}

	added := 0
	for _, d := range req.Documents {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		added += len(h.Knowledge.AddText(kbID, d.Content, d.Metadata))
	}

	log.Info().
		Str("knowledgebase", kbID).
		Str("workspace", middleware.GetWorkspace(r.Context())).
		Int("chunks", added).
		Msg("📚 Documents ingested")
	respondJSON(w, http.StatusCreated, ingestResult{
		KnowledgebaseID: kbID,
		ChunksAdded:     added,
		TotalChunks:     h.Knowledge.Count(kbID),
	})
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"topK,omitempty"`
}

// SearchKnowledge handles POST /api/v1/knowledgebases/{knowledgebaseId}/search
func (h *KnowledgeHandlers) SearchKnowledge(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.TopK <= 0 {
		req.TopK = 5
	}

	results, err := h.Knowledge.Search(r.Context(), []string{chi.URLParam(r, "knowledgebaseId")}, req.Query, req.TopK)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}
