// Package sync provides the offline-first upload and synchronization engine.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/fieldmap/backend/internal/analysis"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
	"github.com/kimhsiao/fieldmap/backend/internal/parser/media"
)

// SyncEngine defines the operations the HTTP layer, the CLI and the
// scheduler drive. It allows for mocking in tests.
type SyncEngine interface {
	// SubmitUpload inserts an optimistic record and either uploads it or
	// queues it. Only queue storage failures are returned as errors.
	SubmitUpload(ctx context.Context, req UploadRequest) (*UploadResult, error)

	// ReplayQueue drains the durable queue, one job at a time.
	ReplayQueue(ctx context.Context) (*ReplayResult, error)

	// RetryJob replays a single job, including held ones.
	RetryJob(ctx context.Context, jobID string) (*models.PlantRecord, error)

	// Refresh replaces the cache with the server listing, keeping unsynced local records.
	Refresh(ctx context.Context) (int, error)

	// Reconcile upserts records the server has that the cache lacks and
	// returns how many were new.
	Reconcile(ctx context.Context) (int, error)

	// Restore re-creates placeholders for queued jobs after a restart.
	Restore(ctx context.Context) (int, error)

	// Status returns a snapshot of the engine state.
	Status(ctx context.Context) (*Status, error)
}

// Queue is the durable job store the engine replays from.
type Queue interface {
	Enqueue(ctx context.Context, image []byte, imageName, plantID string, annotations models.Annotations) (string, error)
	ListPending(ctx context.Context) ([]*models.QueueJob, error)
	Get(ctx context.Context, id string) (*models.QueueJob, error)
	Remove(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error, hold bool) error
	Release(ctx context.Context, id string) error
	Size(ctx context.Context) (int, error)
}

// ImagePreparer validates and downsizes an image before it is stored.
type ImagePreparer interface {
	Prepare(name string, data []byte) (*media.Prepared, error)
}

// Classifier suggests annotations for an image.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (*analysis.Result, error)
}

// UploadRequest is one photo submitted by the user.
type UploadRequest struct {
	ImageName   string
	Image       []byte
	Annotations models.Annotations
}

// UploadOutcome is where a submitted upload ended up.
type UploadOutcome string

const (
	// OutcomeSynced means the remote pipeline completed.
	OutcomeSynced UploadOutcome = "synced"
	// OutcomeQueued means the device was offline and the job waits for replay.
	OutcomeQueued UploadOutcome = "queued"
	// OutcomeFailed means the remote pipeline failed and the job was queued for retry.
	OutcomeFailed UploadOutcome = "failed"
)

// UploadResult reports the result of SubmitUpload.
type UploadResult struct {
	Outcome UploadOutcome      `json:"outcome"`
	Record  models.PlantRecord `json:"record"`
	JobID   string             `json:"jobId,omitempty"`
	// Held is set when the failure is permanent and automatic replay will skip the job.
	Held  bool   `json:"held,omitempty"`
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

// ReplayResult aggregates one replay pass.
type ReplayResult struct {
	Attempted  int           `json:"attempted"`
	Synced     int           `json:"synced"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Duration   time.Duration `json:"duration"`
}

// Status is a snapshot of the engine.
type Status struct {
	Online      bool          `json:"online"`
	QueueSize   int           `json:"queueSize"`
	Records     int           `json:"records"`
	Replaying   bool          `json:"replaying"`
	LastReplay  *ReplayResult `json:"lastReplay,omitempty"`
	LastRefresh *time.Time    `json:"lastRefresh,omitempty"`
}
