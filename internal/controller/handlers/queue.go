package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"bulkmail/internal/controller/middleware"
	"bulkmail/internal/logger"
	"bulkmail/internal/queue"
	"bulkmail/internal/store"
	"bulkmail/pkg/api"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// GetQueueStatus handles GET /queue/status.
func (h *Handlers) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := middleware.OwnerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	stats, err := h.engine.Status(ctx, ownerID)
	if err != nil {
		h.internalError(w, r, "Failed to read queue status", err)
		return
	}
	h.respondJson(w, http.StatusOK, statsResponse(stats))
}

// ListJobs handles GET /queue?filter=&limit=&offset=.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := middleware.OwnerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	filter, ok := store.ParseFilter(r.URL.Query().Get("filter"))
	if !ok {
		h.httpError(w, "filter must be one of all, pending, processing, completed, failed", http.StatusBadRequest)
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

	jobs, err := h.engine.List(ctx, ownerID, filter, limit, offset)
	if err != nil {
		h.internalError(w, r, "Failed to list jobs", err)
		return
	}

	resp := api.ListJobsResponse{Jobs: make([]api.JobResponse, 0, len(jobs)), Limit: limit, Offset: offset}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, jobResponse(&jobs[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// ProcessOne handles POST /queue/process.
func (h *Handlers) ProcessOne(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := middleware.OwnerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	res, err := h.engine.ProcessOne(ctx, ownerID)
	if err != nil {
		h.internalError(w, r, "Failed to process job", err)
		return
	}
	h.respondJson(w, http.StatusOK, runResultResponse(res))
}

// ProcessBatch handles POST /queue/batch. An empty body uses the default size.
func (h *Handlers) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := middleware.OwnerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.BatchSize < 0 {
		h.httpError(w, "batch_size must not be negative", http.StatusBadRequest)
		return
	}

	res, err := h.engine.ProcessBatch(ctx, ownerID, req.BatchSize)
	if err != nil {
		h.internalError(w, r, "Batch aborted", err)
		return
	}

	resp := api.BatchResponse{
		Sent:          res.Sent,
		Retried:       res.Retried,
		Failed:        res.Failed,
		NoMore:        res.NoMore,
		TransportDown: res.TransportDown,
		Results:       make([]api.RunResultResponse, 0, len(res.Results)),
		Stats:         statsResponse(res.Stats),
	}
	for _, rr := range res.Results {
		resp.Results = append(resp.Results, runResultResponse(rr))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// RetryFailed handles POST /queue/retry-failed.
func (h *Handlers) RetryFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := middleware.OwnerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	n, err := h.engine.RetryFailed(ctx, ownerID)
	if err != nil {
		h.internalError(w, r, "Failed to retry jobs", err)
		return
	}
	h.respondJson(w, http.StatusOK, api.CountResponse{Count: n})
}

// RetryJob handles POST /queue/jobs/{id}/retry.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := middleware.OwnerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job ID", http.StatusBadRequest)
		return
	}

	if err := h.engine.RetryJob(ctx, ownerID, jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Job not found or not failed", http.StatusNotFound)
			return
		}
		h.internalError(w, r, "Failed to retry job", err)
		return
	}
	h.respondJson(w, http.StatusOK, api.CountResponse{Count: 1})
}

// ClearFailed handles DELETE /queue/failed.
func (h *Handlers) ClearFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := middleware.OwnerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	n, err := h.engine.ClearFailed(ctx, ownerID)
	if err != nil {
		h.internalError(w, r, "Failed to clear jobs", err)
		return
	}
	h.respondJson(w, http.StatusOK, api.CountResponse{Count: n})
}

// RecoverStale handles POST /queue/recover-stale.
func (h *Handlers) RecoverStale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := middleware.OwnerIDFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	n, err := h.engine.RecoverStale(ctx, ownerID)
	if err != nil {
		h.internalError(w, r, "Failed to recover jobs", err)
		return
	}
	h.respondJson(w, http.StatusOK, api.CountResponse{Count: n})
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, message string, err error) {
	logger.FromContext(r.Context(), h.logger).Error(message, zap.Error(err))
	h.httpError(w, message, http.StatusInternalServerError)
}

func statsResponse(s store.Stats) api.StatsResponse {
	return api.StatsResponse{
		Pending:    s.Pending,
		Processing: s.Processing,
		Completed:  s.Completed,
		Failed:     s.Failed,
		Total:      s.Total,
	}
}

func jobResponse(j *store.Job) api.JobResponse {
	return api.JobResponse{
		ID:                  j.ID.String(),
		BatchID:             j.BatchID,
		Status:              string(j.Status),
		ToEmail:             j.Payload.ToEmail,
		ToName:              j.Payload.ToName,
		Subject:             j.Payload.Subject,
		RetryCount:          j.RetryCount,
		RetryAfter:          j.RetryAfter,
		ErrorMessage:        j.ErrorMessage,
		CreatedAt:           j.CreatedAt,
		ProcessingStartedAt: j.ProcessingStartedAt,
		CompletedAt:         j.CompletedAt,
		ResultRef:           j.ResultRef,
	}
}

func runResultResponse(r queue.RunResult) api.RunResultResponse {
	resp := api.RunResultResponse{
		Processed:     r.Processed,
		Sent:          r.Sent,
		Recipient:     r.Recipient,
		Subject:       r.Subject,
		Error:         r.Error,
		WillRetry:     r.WillRetry,
		RetryAfter:    r.RetryAfter,
		TransportDown: r.TransportDown,
	}
	if r.Processed {
		resp.JobID = r.JobID.String()
	}
	return resp
}
