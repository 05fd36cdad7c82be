// Package handlers implements the HTTP handlers of the Xpert control plane.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xpertai/control-plane/internal/chat"
	"github.com/xpertai/control-plane/internal/draft"
	"github.com/xpertai/control-plane/internal/publish"
	"github.com/xpertai/control-plane/internal/store"
	"github.com/xpertai/control-plane/internal/tokens"
	"github.com/xpertai/control-plane/pkg/contracts"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	Store      contracts.Store
	Publisher  contracts.PublishService
	Chat       contracts.ChatService
	Executions contracts.ExecutionService
	Toolsets   contracts.ToolsetCatalog
}

// New creates a new Handlers instance.
func New(s contracts.Store, pub contracts.PublishService, chat contracts.ChatService, exec contracts.ExecutionService, toolsets contracts.ToolsetCatalog) *Handlers {
	return &Handlers{
		Store:      s,
		Publisher:  pub,
		Chat:       chat,
		Executions: exec,
		Toolsets:   toolsets,
	}
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps a service error to its HTTP status.
func respondErr(w http.ResponseWriter, err error) {
	var (
		notFound   *store.ErrNotFound
		duplicate  *store.ErrDuplicate
		invalid    *draft.ValidationError
		conflict   *publish.ConflictError
		overLimit  *tokens.LimitExceededError
		busy       *chat.BusyError
		statusCode = http.StatusInternalServerError
	)
	switch {
	case errors.As(err, &notFound):
		statusCode = http.StatusNotFound
	case errors.As(err, &invalid), errors.As(err, &conflict):
		statusCode = http.StatusBadRequest
	case errors.As(err, &duplicate), errors.As(err, &busy):
		statusCode = http.StatusConflict
	case errors.As(err, &overLimit):
		statusCode = http.StatusTooManyRequests
	default:
		log.Error().Err(err).Msg("Request failed")
	}
	respondError(w, statusCode, err.Error())
}

// splitList reads a list query parameter given either as repeated keys or
// as one comma-separated value.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
