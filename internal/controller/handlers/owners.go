package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"bulkmail/internal/auth"
	"bulkmail/internal/store"
	"bulkmail/pkg/api"
)

// CreateOwner handles POST /owners (Admin Only).
// It generates a new API Key, hashes it for storage, and returns the raw key ONCE.
func (h *Handlers) CreateOwner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateOwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.httpError(w, "name is required", http.StatusBadRequest)
		return
	}

	apiKey, err := auth.GenerateKey()
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	owner := &store.Owner{Name: req.Name}
	if err := h.store.CreateOwner(ctx, owner, auth.HashKey(apiKey)); err != nil {
		h.internalError(w, r, "Failed to create owner", err)
		return
	}

	// Return the Raw Key (This is the only time the user sees it)
	h.respondJson(w, http.StatusCreated, api.CreateOwnerResponse{
		ID:     owner.ID.String(),
		Name:   owner.Name,
		APIKey: apiKey,
	})
}
