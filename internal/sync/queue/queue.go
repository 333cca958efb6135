// Package queue provides the durable offline queue of deferred plant uploads.
// Jobs live in SQLite; image payloads live in a content-addressed blob directory.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/kimhsiao/fieldmap/backend/internal/db"
	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/logging"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
	"github.com/kimhsiao/fieldmap/backend/internal/sync/storage"
	"github.com/kimhsiao/fieldmap/backend/internal/uuid"
)

// DefaultMaxSize is the queue capacity when none is configured.
const DefaultMaxSize = 500

// Stats summarizes queue contents.
type Stats struct {
	Total   int   `json:"total"`
	Pending int   `json:"pending"`
	Held    int   `json:"held"`
	Bytes   int64 `json:"bytes"`
}

// DurableQueue persists upload jobs across restarts.
type DurableQueue struct {
	mu       sync.Mutex
	database *db.DB
	repo     *db.QueueRepository
	blobs    *storage.ContentAddressedStorage
	maxSize  int
	now      func() time.Time
	lastNano int64
}

// Open opens (or creates) the queue under dataDir.
func Open(dataDir string, maxSize int) (*DurableQueue, error) {
	database, err := db.Open(dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to open queue database", err)
	}

	q := New(db.NewQueueRepository(database.DB),
		storage.NewContentAddressedStorage(filepath.Join(dataDir, "blobs")), maxSize)
	q.database = database
	return q, nil
}

// New creates a queue over an existing repository and blob store.
func New(repo *db.QueueRepository, blobs *storage.ContentAddressedStorage, maxSize int) *DurableQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &DurableQueue{
		repo:    repo,
		blobs:   blobs,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Close releases the underlying database when the queue owns it.
func (q *DurableQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.repo.Close()
	if q.database != nil {
		if cerr := q.database.Close(); cerr != nil && err == nil {
			err = cerr
		}
		q.database = nil
	}
	return err
}

// timestamp returns a strictly increasing unix-nano timestamp so FIFO order
// survives two enqueues within one clock tick. Caller holds q.mu.
func (q *DurableQueue) timestamp() int64 {
	n := q.now().UnixNano()
	if n <= q.lastNano {
		n = q.lastNano + 1
	}
	q.lastNano = n
	return n
}

// Enqueue persists a new job and returns its id.
func (q *DurableQueue) Enqueue(ctx context.Context, image []byte, imageName, plantID string, annotations models.Annotations) (string, error) {
	if plantID == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "plant id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	count, err := q.repo.Count(ctx)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrQueueStorage, "failed to count queued jobs", err)
	}
	if count >= q.maxSize {
		return "", apperrors.New(apperrors.ErrQueueFull,
			fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
	}

	hash, err := q.blobs.Store(image)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrQueueStorage, "failed to store image payload", err)
	}

	annotationsJSON, err := json.Marshal(annotations)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to encode annotations", err)
	}

	ts := q.timestamp()
	row := &models.SyncQueueRow{
		ID:          uuid.New(),
		PlantID:     plantID,
		ImageName:   imageName,
		BlobHash:    hash,
		BlobSize:    int64(len(image)),
		Annotations: annotationsJSON,
		Status:      string(models.JobStatusPending),
		EnqueuedAt:  ts,
		UpdatedAt:   ts,
	}

	if err := q.repo.Put(ctx, row); err != nil {
		q.releaseBlob(ctx, hash)
		return "", apperrors.Wrap(apperrors.ErrQueueStorage, "failed to persist queue job", err)
	}

	logging.Info("Job enqueued", map[string]interface{}{
		"job_id":     row.ID,
		"plant_id":   plantID,
		"image_name": imageName,
		"bytes":      row.BlobSize,
	})
	return row.ID, nil
}

// ListPending returns every queued job, oldest first, payloads included.
// The result is a snapshot; jobs enqueued afterwards are not included.
// A job whose payload cannot be read is returned with a nil Image.
func (q *DurableQueue) ListPending(ctx context.Context) ([]*models.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.repo.GetAll(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to list queued jobs", err)
	}

	jobs := make([]*models.QueueJob, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, q.load(row))
	}
	return jobs, nil
}

// Get returns a single job.
func (q *DurableQueue) Get(ctx context.Context, id string) (*models.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, q.wrapLookup(id, err)
	}
	return q.load(row), nil
}

// Remove deletes a job after a successful replay. Removing an absent job is a no-op.
func (q *DurableQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	row, err := q.repo.Get(ctx, id)
	if errors.Is(err, db.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to look up queue job", err)
	}

	if err := q.repo.Delete(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to remove queue job", err)
	}
	q.releaseBlob(ctx, row.BlobHash)

	logging.Debug("Job removed", map[string]interface{}{"job_id": id, "plant_id": row.PlantID})
	return nil
}

// MarkFailed records a failed attempt. Held jobs are skipped by automatic replay.
func (q *DurableQueue) MarkFailed(ctx context.Context, id string, cause error, hold bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	row, err := q.repo.Get(ctx, id)
	if err != nil {
		return q.wrapLookup(id, err)
	}

	status := models.JobStatusPending
	if hold {
		status = models.JobStatusHeld
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if err := q.repo.UpdateStatus(ctx, id, string(status), row.Attempts+1, msg, q.timestamp()); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to record job failure", err)
	}

	logging.Warn("Job attempt failed", map[string]interface{}{
		"job_id":   id,
		"plant_id": row.PlantID,
		"attempts": row.Attempts + 1,
		"held":     hold,
		"error":    msg,
	})
	return nil
}

// Release makes a held job eligible for automatic replay again.
func (q *DurableQueue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	row, err := q.repo.Get(ctx, id)
	if err != nil {
		return q.wrapLookup(id, err)
	}
	if row.Status == string(models.JobStatusPending) {
		return nil
	}

	if err := q.repo.UpdateStatus(ctx, id, string(models.JobStatusPending), row.Attempts, row.LastError, q.timestamp()); err != nil {
		return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to release job", err)
	}
	return nil
}

// Size returns the number of queued jobs.
func (q *DurableQueue) Size(ctx context.Context) (int, error) {
	n, err := q.repo.Count(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to count queued jobs", err)
	}
	return n, nil
}

// Stats returns queue statistics.
func (q *DurableQueue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.repo.GetAll(ctx)
	if err != nil {
		return Stats{}, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to list queued jobs", err)
	}

	var s Stats
	for _, row := range rows {
		s.Total++
		s.Bytes += row.BlobSize
		if row.Status == string(models.JobStatusHeld) {
			s.Held++
		} else {
			s.Pending++
		}
	}
	return s, nil
}

// Prune deletes payloads no job references, left behind by a crash between
// storing a payload and committing its row.
func (q *DurableQueue) Prune(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	referenced, err := q.repo.BlobHashes(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to list referenced payloads", err)
	}
	stored, err := q.blobs.ListAll()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to list stored payloads", err)
	}

	pruned := 0
	for _, hash := range stored {
		if referenced[hash] {
			continue
		}
		if err := q.blobs.Delete(hash); err != nil {
			return pruned, apperrors.Wrap(apperrors.ErrQueueStorage, "failed to prune payload", err)
		}
		pruned++
	}

	if pruned > 0 {
		logging.Info("Pruned orphaned payloads", map[string]interface{}{"count": pruned})
	}
	return pruned, nil
}

// load converts a row to a job. Caller holds q.mu.
func (q *DurableQueue) load(row *models.SyncQueueRow) *models.QueueJob {
	job := &models.QueueJob{
		ID:         row.ID,
		PlantID:    row.PlantID,
		ImageName:  row.ImageName,
		Status:     models.JobStatus(row.Status),
		Attempts:   row.Attempts,
		LastError:  row.LastError,
		EnqueuedAt: time.Unix(0, row.EnqueuedAt),
		UpdatedAt:  time.Unix(0, row.UpdatedAt),
	}

	if len(row.Annotations) > 0 {
		if err := json.Unmarshal(row.Annotations, &job.Annotations); err != nil {
			logging.Warn("Discarding unreadable job annotations", map[string]interface{}{
				"job_id": row.ID,
				"error":  err.Error(),
			})
		}
	}

	image, err := q.blobs.Retrieve(row.BlobHash)
	if err != nil {
		logging.Error("Failed to load job payload", err, map[string]interface{}{
			"job_id":    row.ID,
			"blob_hash": row.BlobHash,
		})
		return job
	}
	job.Image = image
	return job
}

// releaseBlob deletes a payload once no job references it. Caller holds q.mu.
func (q *DurableQueue) releaseBlob(ctx context.Context, hash string) {
	refs, err := q.repo.CountByBlobHash(ctx, hash)
	if err != nil || refs > 0 {
		return
	}
	if err := q.blobs.Delete(hash); err != nil {
		logging.Warn("Failed to delete payload", map[string]interface{}{
			"blob_hash": hash,
			"error":     err.Error(),
		})
	}
}

func (q *DurableQueue) wrapLookup(id string, err error) error {
	if errors.Is(err, db.ErrJobNotFound) {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("queue job %s not found", id))
	}
	return apperrors.Wrap(apperrors.ErrQueueStorage, "failed to look up queue job", err)
}
