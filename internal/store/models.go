// Package store contains the database layer for bulkmail.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Owner is the account that owns queued mail jobs.
// All queue operations must be scoped by OwnerID.
type Owner struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// JobStatus represents the state of a mail job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the four known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Payload is the message content of a job. The queue treats it as opaque;
// only the Sender looks inside.
type Payload struct {
	ToEmail       string            `json:"to_email"`
	ToName        string            `json:"to_name,omitempty"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	Fields        map[string]string `json:"fields,omitempty"`
	AttachmentRef string            `json:"attachment_ref,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
}

// Job is one queued message delivery.
type Job struct {
	ID                  uuid.UUID
	OwnerID             uuid.UUID
	BatchID             *string
	Status              JobStatus
	Payload             Payload
	RetryCount          int
	RetryAfter          *time.Time
	LockedUntil         *time.Time
	ErrorMessage        *string
	CreatedAt           time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	ResultRef           *string
}

// MarshalPayload encodes the payload for the jsonb/text column.
func MarshalPayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload decodes a stored payload.
func UnmarshalPayload(raw []byte) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}

// Transition is the outcome committed for a claimed job.
type Transition struct {
	// To is the target state: completed, pending (retry) or failed.
	To JobStatus

	// RetryCount is the new value of retry_count.
	RetryCount int

	// RetryDelay is added to the store clock to produce retry_after. Only used when To is pending.
	RetryDelay time.Duration

	ErrorMessage string
	ResultRef    string
}

// Stats holds per-status job counts for one owner.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// Add increments the counter for status by n and keeps Total in sync.
func (s *Stats) Add(status JobStatus, n int64) {
	switch status {
	case JobStatusPending:
		s.Pending += n
	case JobStatusProcessing:
		s.Processing += n
	case JobStatusCompleted:
		s.Completed += n
	case JobStatusFailed:
		s.Failed += n
	default:
		return
	}
	s.Total += n
}

// Filter selects which jobs List returns.
type Filter string

const (
	FilterAll        Filter = "all"
	FilterPending    Filter = "pending"
	FilterProcessing Filter = "processing"
	FilterCompleted  Filter = "completed"
	FilterFailed     Filter = "failed"
)

// ParseFilter converts user input into a Filter. Empty input means all.
func ParseFilter(s string) (Filter, bool) {
	switch f := Filter(s); f {
	case "":
		return FilterAll, true
	case FilterAll, FilterPending, FilterProcessing, FilterCompleted, FilterFailed:
		return f, true
	}
	return "", false
}

// Statuses expands the filter into the set of matching states.
func (f Filter) Statuses() []JobStatus {
	if f == FilterAll || f == "" {
		return []JobStatus{JobStatusProcessing, JobStatusPending, JobStatusFailed, JobStatusCompleted}
	}
	return []JobStatus{JobStatus(f)}
}

// Delivery is the audit record of a message accepted by the transport.
type Delivery struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	JobID     uuid.UUID
	ToEmail   string
	Subject   string
	MessageID string
	SentAt    time.Time
}
