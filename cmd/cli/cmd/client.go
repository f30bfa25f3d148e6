package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bulkmail/pkg/api"
)

// QueueClient handles API calls to the mail queue controller.
type QueueClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewQueueClient creates a new client with the given base URL and token.
func NewQueueClient(baseURL, token string) *QueueClient {
	return &QueueClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			// Batches pace their sends server-side.
			Timeout: 3 * time.Minute,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends a request and decodes a 2xx JSON response into out.
func (c *QueueClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage extracts api.ErrorResponse.Error, falling back to the raw body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

func paging(limit, offset int) url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return q
}

// Status sends GET /queue/status.
func (c *QueueClient) Status(ctx context.Context) (*api.StatsResponse, error) {
	var result api.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/queue/status", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListJobs sends GET /queue with a status filter and pagination.
func (c *QueueClient) ListJobs(ctx context.Context, filter string, limit, offset int) (*api.ListJobsResponse, error) {
	q := paging(limit, offset)
	if filter != "" {
		q.Set("filter", filter)
	}

	var result api.ListJobsResponse
	if err := c.do(ctx, http.MethodGet, "/queue", q, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProcessOne sends POST /queue/process.
func (c *QueueClient) ProcessOne(ctx context.Context) (*api.RunResultResponse, error) {
	var result api.RunResultResponse
	if err := c.do(ctx, http.MethodPost, "/queue/process", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProcessBatch sends POST /queue/batch. A zero size lets the server pick its default.
func (c *QueueClient) ProcessBatch(ctx context.Context, size int) (*api.BatchResponse, error) {
	var result api.BatchResponse
	if err := c.do(ctx, http.MethodPost, "/queue/batch", nil, api.BatchRequest{BatchSize: size}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RetryFailed sends POST /queue/retry-failed.
func (c *QueueClient) RetryFailed(ctx context.Context) (int64, error) {
	return c.count(ctx, http.MethodPost, "/queue/retry-failed")
}

// RetryJob sends POST /queue/jobs/{id}/retry.
func (c *QueueClient) RetryJob(ctx context.Context, jobID string) error {
	_, err := c.count(ctx, http.MethodPost, "/queue/jobs/"+url.PathEscape(jobID)+"/retry")
	return err
}

// ClearFailed sends DELETE /queue/failed.
func (c *QueueClient) ClearFailed(ctx context.Context) (int64, error) {
	return c.count(ctx, http.MethodDelete, "/queue/failed")
}

// RecoverStale sends POST /queue/recover-stale.
func (c *QueueClient) RecoverStale(ctx context.Context) (int64, error) {
	return c.count(ctx, http.MethodPost, "/queue/recover-stale")
}

func (c *QueueClient) count(ctx context.Context, method, path string) (int64, error) {
	var result api.CountResponse
	if err := c.do(ctx, method, path, nil, nil, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// ListDeliveries sends GET /deliveries.
func (c *QueueClient) ListDeliveries(ctx context.Context, limit, offset int) ([]api.DeliveryResponse, error) {
	var result api.ListDeliveriesResponse
	if err := c.do(ctx, http.MethodGet, "/deliveries", paging(limit, offset), nil, &result); err != nil {
		return nil, err
	}
	return result.Deliveries, nil
}
