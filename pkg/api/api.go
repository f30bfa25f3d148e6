// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// CreateOwnerRequest is the request body for creating a new owner.
type CreateOwnerRequest struct {
	Name string `json:"name"`
}

// CreateOwnerResponse is the response body after creating an owner.
// The API key is only ever returned here.
type CreateOwnerResponse struct {
	ID     string `json:"owner_id"`
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

// StatsResponse holds job counts per status.
type StatsResponse struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// JobResponse represents a queued mail job in API responses.
type JobResponse struct {
	ID                  string     `json:"id"`
	BatchID             *string    `json:"batch_id,omitempty"`
	Status              string     `json:"status"`
	ToEmail             string     `json:"to_email"`
	ToName              string     `json:"to_name,omitempty"`
	Subject             string     `json:"subject"`
	RetryCount          int        `json:"retry_count"`
	RetryAfter          *time.Time `json:"retry_after,omitempty"`
	ErrorMessage        *string    `json:"error_message,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	ResultRef           *string    `json:"result_ref,omitempty"`
}

// ListJobsResponse is the response body for GET /queue.
type ListJobsResponse struct {
	Jobs   []JobResponse `json:"jobs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// RunResultResponse describes one processed (or not processed) job.
type RunResultResponse struct {
	Processed     bool       `json:"processed"`
	Sent          bool       `json:"sent"`
	JobID         string     `json:"job_id,omitempty"`
	Recipient     string     `json:"recipient,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	Error         string     `json:"error,omitempty"`
	WillRetry     bool       `json:"will_retry"`
	RetryAfter    *time.Time `json:"retry_after,omitempty"`
	TransportDown bool       `json:"transport_down,omitempty"`
}

// BatchRequest is the request body for POST /queue/batch.
// A zero or missing batch size uses the server default.
type BatchRequest struct {
	BatchSize int `json:"batch_size"`
}

// BatchResponse is the response body for POST /queue/batch.
type BatchResponse struct {
	Sent          int                 `json:"sent"`
	Retried       int                 `json:"retried"`
	Failed        int                 `json:"failed"`
	NoMore        bool                `json:"no_more"`
	TransportDown bool                `json:"transport_down,omitempty"`
	Results       []RunResultResponse `json:"results"`
	Stats         StatsResponse       `json:"stats"`
}

// CountResponse reports how many jobs an administrative action touched.
type CountResponse struct {
	Count int64 `json:"count"`
}

// DeliveryResponse is one entry of the sent-message log.
type DeliveryResponse struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	ToEmail   string    `json:"to_email"`
	Subject   string    `json:"subject"`
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// ListDeliveriesResponse is the response body for GET /deliveries.
type ListDeliveriesResponse struct {
	Deliveries []DeliveryResponse `json:"deliveries"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
