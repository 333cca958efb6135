package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the replay eligibility of a queued upload.
type JobStatus string

const (
	// JobStatusPending jobs are replayed automatically.
	JobStatusPending JobStatus = "pending"
	// JobStatusHeld jobs failed permanently and wait for a manual retry.
	JobStatusHeld JobStatus = "held"
)

// QueueJob represents a deferred plant upload.
type QueueJob struct {
	ID          string      `json:"id"`
	PlantID     string      `json:"plantId"`
	ImageName   string      `json:"imageName"`
	Image       []byte      `json:"-"`
	Annotations Annotations `json:"annotations"`
	Status      JobStatus   `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"lastError,omitempty"`
	EnqueuedAt  time.Time   `json:"enqueuedAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// IsHeld reports whether the job is parked from automatic replay.
func (j *QueueJob) IsHeld() bool {
	return j.Status == JobStatusHeld
}

// SyncQueueRow is the persisted form of a QueueJob.
// The image payload is stored out of row and referenced by BlobHash.
type SyncQueueRow struct {
	ID          string          `db:"id"`
	PlantID     string          `db:"plant_id"`
	ImageName   string          `db:"image_name"`
	BlobHash    string          `db:"blob_hash"`
	BlobSize    int64           `db:"blob_size"`
	Annotations json.RawMessage `db:"annotations"`
	Status      string          `db:"status"`
	Attempts    int             `db:"attempts"`
	LastError   string          `db:"last_error"`
	EnqueuedAt  int64           `db:"enqueued_at"` // unix nanoseconds
	UpdatedAt   int64           `db:"updated_at"`  // unix nanoseconds
}

// TableName returns the table name for SyncQueueRow.
func (SyncQueueRow) TableName() string {
	return "sync_queue"
}
