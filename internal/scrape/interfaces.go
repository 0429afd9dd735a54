package scrape

import (
	"context"
	"io"
	"time"
)

// JobStore persists job metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job JobRecord) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
}

// BlobStore writes artifacts and returns a URL or path for them.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes result messages to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides send/receive/delete semantics for raw job records.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Delete(ctx context.Context, item QueueItem) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs and object keys.
type IDGenerator interface {
	NewID() (string, error)
}
