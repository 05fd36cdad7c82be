package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/xpertai/control-plane/internal/draft"
	"github.com/xpertai/control-plane/internal/store"
	"github.com/xpertai/control-plane/pkg/middleware"
	"github.com/xpertai/control-plane/pkg/models"
)

// ── Xperts ──────────────────────────────────────────────────

func (h *Handlers) ListXperts(w http.ResponseWriter, r *http.Request) {
	xperts, err := h.Store.ListXperts(r.Context(), middleware.GetWorkspace(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, xperts)
}

type createXpertRequest struct {
	Name         string               `json:"name"`
	Title        string               `json:"title,omitempty"`
	Description  string               `json:"description,omitempty"`
	Avatar       string               `json:"avatar,omitempty"`
	CopilotModel *models.CopilotModel `json:"copilotModel,omitempty"`
	Agent        *models.XpertAgent   `json:"agent,omitempty"`
}

// CreateXpert creates an unpublished team together with its root agent.
func (h *Handlers) CreateXpert(w http.ResponseWriter, r *http.Request) {
	var req createXpertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	workspace := middleware.GetWorkspace(r.Context())
	x := &models.Xpert{
		WorkspaceID:  workspace,
		Name:         req.Name,
		Title:        req.Title,
		Description:  req.Description,
		Avatar:       req.Avatar,
		CopilotModel: req.CopilotModel,
		Latest:       true,
	}
	root := &models.XpertAgent{Name: req.Name}
	if req.Agent != nil {
		root = req.Agent
		root.ID = ""
		root.TeamID = ""
		root.LeaderKey = ""
	}

	err := h.Store.RunInTx(r.Context(), func(ctx context.Context, tx store.Store) error {
		// A name belongs to one team; later versions come from publishing.
		existing, err := tx.ListXpertVersions(ctx, workspace, x.Name)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return &store.ErrDuplicate{Entity: "xpert", Key: x.Name}
		}
		if err := tx.CreateXpert(ctx, x); err != nil {
			return err
		}
		root.XpertID = x.ID
		return tx.CreateAgent(ctx, root)
	})
	if err != nil {
		respondErr(w, err)
		return
	}

	created, err := h.Store.GetXpert(r.Context(), x.ID)
	if err != nil {
		respondErr(w, err)
		return
	}
	log.Info().Str("xpert", x.Name).Str("id", x.ID).Str("workspace", workspace).Msg("Xpert created")
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handlers) GetXpert(w http.ResponseWriter, r *http.Request) {
	x, err := h.Store.GetXpert(r.Context(), chi.URLParam(r, "xpertId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, x)
}

func (h *Handlers) DeleteXpert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "xpertId")
	// The store removes the root agent and members with the team row.
	if err := h.Store.DeleteXpert(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// SaveDraft stores the editable graph of a team without publishing it.
func (h *Handlers) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var d models.TeamDraft
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := draft.CheckTypes(&d); err != nil {
		respondErr(w, err)
		return
	}

	x, err := h.Store.GetXpert(r.Context(), chi.URLParam(r, "xpertId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	now := time.Now().UTC()
	d.SavedAt = &now
	x.Draft = &d
	if err := h.Store.UpdateXpert(r.Context(), x); err != nil {
		respondErr(w, err)
		return
	}

	log.Debug().Str("xpert", x.ID).Int("nodes", len(d.Nodes)).Int("connections", len(d.Connections)).Msg("Draft saved")
	respondJSON(w, http.StatusOK, x)
}

// ListVersions returns every stored version of the team's name.
func (h *Handlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	x, err := h.Store.GetXpert(r.Context(), chi.URLParam(r, "xpertId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	versions, err := h.Store.ListXpertVersions(r.Context(), x.WorkspaceID, x.Name)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

// GetGraph returns the node/edge view of a team. With ?draft=true the
// saved draft is returned when one exists.
func (h *Handlers) GetGraph(w http.ResponseWriter, r *http.Request) {
	x, err := h.Store.GetXpert(r.Context(), chi.URLParam(r, "xpertId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if x.Draft != nil && r.URL.Query().Get("draft") == "true" {
		respondJSON(w, http.StatusOK, x.Draft)
		return
	}
	respondJSON(w, http.StatusOK, draft.FromTeam(x))
}

func (h *Handlers) PublishXpert(w http.ResponseWriter, r *http.Request) {
	x, err := h.Publisher.Publish(r.Context(), chi.URLParam(r, "xpertId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, x)
}

func (h *Handlers) ListXpertConversations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	convs, err := h.Store.ListConversations(r.Context(), chi.URLParam(r, "xpertId"), limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, convs)
}
