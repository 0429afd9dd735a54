// Package scrape defines core types shared across subsystems.
package scrape

import "time"

// JobKind selects the scrape routine for a job.
type JobKind string

// Supported job kinds.
const (
	JobKindWikipedia JobKind = "wikipedia"
	JobKindNews      JobKind = "news"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Job is a validated scrape request.
type Job struct {
	ID       string         `json:"job_id" validate:"omitempty,max=128"`
	Kind     JobKind        `json:"job_kind" validate:"required,oneof=wikipedia news"`
	UserID   string         `json:"user_id" validate:"required,max=256"`
	URL      string         `json:"url" validate:"required,url,absurl"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JobRecord is the persisted view of a job.
type JobRecord struct {
	ID        string     `json:"job_id"`
	Kind      JobKind    `json:"job_kind"`
	UserID    string     `json:"user_id"`
	URL       string     `json:"url"`
	Status    JobStatus  `json:"status"`
	Submitted time.Time  `json:"submitted_at"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	ErrorText string     `json:"error_text,omitempty"`
}

// Result is the payload produced for a successful scrape.
type Result struct {
	Screenshot string   `json:"screenshot"`
	Markdown   string   `json:"markdown"`
	Links      []string `json:"links"`
}

// ResultMessage is published to the results topic for every processed job.
type ResultMessage struct {
	JobID            string            `json:"job_id"`
	UserID           string            `json:"user_id,omitempty"`
	Action           string            `json:"action"`
	Success          bool              `json:"success"`
	Result           *Result           `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	ValidationErrors []ValidationIssue `json:"validation_errors,omitempty"`
	ContentHash      string            `json:"content_hash,omitempty"`
	Timestamp        string            `json:"timestamp"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
}

// ValidationIssue describes one rejected field of a job record.
type ValidationIssue struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Action names carried by ResultMessage.
const (
	ActionScrapeResult = "scrape_result"
	ActionRejected     = "rejected"
)

// QueueItem is one message received from (or sent to) the job queue.
type QueueItem struct {
	ID      string
	Body    []byte
	Attempt int
	// Receipt is an opaque driver handle used to delete the message.
	Receipt string
}
