package handlers

import (
	"net/http"

	"bulkmail/internal/controller/middleware"
	"bulkmail/pkg/api"
)

// ListDeliveries handles GET /deliveries?limit=&offset=, newest first.
func (h *Handlers) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := middleware.OwnerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit, ok := queryInt(r, "limit", defaultListLimit)
	if !ok || limit == 0 {
		h.httpError(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		h.httpError(w, "offset must be a non-negative integer", http.StatusBadRequest)
		return
	}

	deliveries, err := h.store.ListDeliveries(ctx, ownerID, limit, offset)
	if err != nil {
		h.internalError(w, r, "Failed to list deliveries", err)
		return
	}

	resp := api.ListDeliveriesResponse{Deliveries: make([]api.DeliveryResponse, 0, len(deliveries))}
	for _, d := range deliveries {
		resp.Deliveries = append(resp.Deliveries, api.DeliveryResponse{
			ID:        d.ID.String(),
			JobID:     d.JobID.String(),
			ToEmail:   d.ToEmail,
			Subject:   d.Subject,
			MessageID: d.MessageID,
			SentAt:    d.SentAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}
