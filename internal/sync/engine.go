package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/kimhsiao/fieldmap/backend/internal/cache"
	"github.com/kimhsiao/fieldmap/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/logging"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
	"github.com/kimhsiao/fieldmap/backend/internal/notify"
	"github.com/kimhsiao/fieldmap/backend/internal/parser"
	"github.com/kimhsiao/fieldmap/backend/internal/parser/media"
	"github.com/kimhsiao/fieldmap/backend/internal/remote"
	"github.com/kimhsiao/fieldmap/backend/internal/sync/conflict"
	"github.com/kimhsiao/fieldmap/backend/internal/uuid"
)

// Config holds engine settings.
type Config struct {
	// UserKey identifies the owner on the remote service.
	UserKey string
	// Classify asks the classifier for annotations the user left empty.
	Classify bool
}

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Cache      *cache.Cache
	Queue      Queue
	Remote     remote.Client
	Signal     connectivity.Signal
	Notifier   notify.Notifier
	Preparer   ImagePreparer
	Classifier Classifier
}

// Engine coordinates optimistic inserts, the remote pipeline, the durable
// queue and replay.
type Engine struct {
	config     Config
	cache      *cache.Cache
	queue      Queue
	remote     remote.Client
	signal     connectivity.Signal
	notifier   notify.Notifier
	preparer   ImagePreparer
	classifier Classifier
	ids        *uuid.TempIDGenerator
	now        func() time.Time

	// replayMu serializes replay passes and single-job retries.
	replayMu stdsync.Mutex

	mu          stdsync.RWMutex
	replaying   bool
	lastReplay  *ReplayResult
	lastRefresh *time.Time

	// unremoved holds jobs whose record was saved remotely but whose queue
	// entry could not be deleted, keyed by job ID. Replay only retries the
	// delete for them.
	unremoved map[string]models.PlantRecord
}

var _ SyncEngine = (*Engine)(nil)

// NewEngine creates an Engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Cache == nil || deps.Queue == nil || deps.Signal == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "cache, queue and connectivity signal are required")
	}
	if deps.Remote.Images == nil || deps.Remote.Geo == nil || deps.Remote.Records == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "remote image store, geo extractor and record service are required")
	}
	if cfg.UserKey == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "user key is required")
	}

	n := deps.Notifier
	if n == nil {
		n = notify.Nop
	}

	return &Engine{
		config:     cfg,
		cache:      deps.Cache,
		queue:      deps.Queue,
		remote:     deps.Remote,
		signal:     deps.Signal,
		notifier:   n,
		preparer:   deps.Preparer,
		classifier: deps.Classifier,
		ids:        uuid.NewTempIDGenerator(),
		now:        time.Now,
		unremoved:  make(map[string]models.PlantRecord),
	}, nil
}

// SubmitUpload implements SyncEngine.
//
// The optimistic record is in the cache before this method performs any I/O.
// Offline, the job is queued and the record stays pending. Online, the remote
// pipeline runs; on failure the job is queued for retry and the record is
// marked error. Permanent failures are queued held so only a manual retry
// replays them.
func (e *Engine) SubmitUpload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if len(req.Image) == 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "image is empty")
	}
	if !media.IsImage(req.Image) {
		return nil, apperrors.New(apperrors.ErrValidation,
			fmt.Sprintf("%s is %s, not an image", req.ImageName, media.DetectContentType(req.Image)))
	}
	if req.ImageName == "" {
		req.ImageName = "image"
	}

	record := e.optimisticRecord(req)
	online := e.signal.Online()
	if !online {
		record.SyncState = models.SyncStatePending
	}
	e.cache.UpsertOne(record)

	if !online {
		return e.queueOffline(ctx, record, req)
	}

	e.notify(notify.EventPlantSyncing, "Uploading plant", record.ID, nil)

	annotations := e.classify(ctx, record.ID, req)

	saved, err := e.pipeline(ctx, req.ImageName, req.Image)
	if err != nil {
		return e.queueFailed(ctx, record, req, annotations, err)
	}

	confirmed := e.confirm(record.ID, *saved, annotations)
	return &UploadResult{Outcome: OutcomeSynced, Record: confirmed}, nil
}

// optimisticRecord builds the local precursor from the filename hint.
func (e *Engine) optimisticRecord(req UploadRequest) models.PlantRecord {
	info := parser.ParseFilename(req.ImageName)
	id := info.PlantID
	if !info.IsValid {
		id = e.ids.Next()
	}

	now := e.now()
	return models.PlantRecord{
		ID:            id,
		ProvisionalID: id,
		UserKey:       e.config.UserKey,
		ImageName:     req.ImageName,
		ImageURL:      models.LocalImageURL(req.ImageName),
		Latitude:      info.Latitude,
		Longitude:     info.Longitude,
		SyncState:     models.SyncStateExtracting,
		CreatedAt:     now,
		UpdatedAt:     now,
		Annotations:   req.Annotations,
	}
}

func (e *Engine) queueOffline(ctx context.Context, record models.PlantRecord, req UploadRequest) (*UploadResult, error) {
	// The record is already visible; a caller going away must not drop it.
	jobID, err := e.queue.Enqueue(context.WithoutCancel(ctx), req.Image, req.ImageName, record.ID, req.Annotations)
	if err != nil {
		e.markError(record.ID, err)
		return nil, err
	}

	e.notify(notify.EventPlantQueued, "Saved offline, will sync when online", record.ID,
		map[string]interface{}{"job_id": jobID})

	record, _ = e.cache.Get(record.ID)
	return &UploadResult{Outcome: OutcomeQueued, Record: record, JobID: jobID}, nil
}

func (e *Engine) queueFailed(ctx context.Context, record models.PlantRecord, req UploadRequest, annotations models.Annotations, cause error) (*UploadResult, error) {
	hold := !apperrors.IsRetryable(cause)

	// The pipeline may have failed because ctx was cancelled. The job must
	// still be persisted.
	ctx = context.WithoutCancel(ctx)

	jobID, err := e.queue.Enqueue(ctx, req.Image, req.ImageName, record.ID, annotations)
	if err != nil {
		e.markError(record.ID, err)
		return nil, err
	}
	if err := e.queue.MarkFailed(ctx, jobID, cause, hold); err != nil {
		logging.Error("Failed to record job failure", err, map[string]interface{}{"job_id": jobID})
	}

	e.markError(record.ID, cause)

	record, _ = e.cache.Get(record.ID)
	return &UploadResult{
		Outcome: OutcomeFailed,
		Record:  record,
		JobID:   jobID,
		Held:    hold,
		Error:   cause.Error(),
		Err:     cause,
	}, nil
}

// classify fills empty annotations from the classifier. Failures are logged
// and never block the upload.
func (e *Engine) classify(ctx context.Context, plantID string, req UploadRequest) models.Annotations {
	if !e.config.Classify || e.classifier == nil || !req.Annotations.IsZero() {
		return req.Annotations
	}

	result, err := e.classifier.Classify(ctx, req.Image)
	if err != nil {
		logging.Warn("Plant classification failed", map[string]interface{}{
			"plant_id": plantID,
			"error":    err.Error(),
		})
		return req.Annotations
	}
	if result.NotAPlant() {
		logging.Info("Classifier did not recognize a plant", map[string]interface{}{"plant_id": plantID})
		return req.Annotations
	}

	annotations := result.Annotations()
	if rec, ok := e.cache.Get(plantID); ok {
		rec.Annotations = annotations
		e.cache.UpsertOne(rec)
	}
	return annotations
}

// pipeline stores the image, extracts its location and saves the record.
// Each step depends on the previous one; the first failure ends the run.
func (e *Engine) pipeline(ctx context.Context, imageName string, image []byte) (*models.PlantRecord, error) {
	data := image
	if e.preparer != nil {
		prepared, err := e.preparer.Prepare(imageName, image)
		if err != nil {
			return nil, err
		}
		data = prepared.Data
	}

	url, err := e.remote.Images.Store(ctx, imageName, data)
	if err != nil {
		return nil, err
	}

	coords, err := e.remote.Geo.Extract(ctx, e.config.UserKey, imageName, url)
	if err != nil {
		return nil, err
	}

	saved, err := e.remote.Records.Save(ctx, remote.SaveRequest{
		UserKey:   e.config.UserKey,
		ImageName: imageName,
		ImageURL:  url,
		Latitude:  coords.Latitude,
		Longitude: coords.Longitude,
	})
	if err != nil {
		return nil, err
	}
	if saved.ImageName == "" {
		saved.ImageName = parser.BasenameFromURL(saved.ImageURL)
	}
	return saved, nil
}

// confirm replaces the optimistic record with the server's, re-applying
// the client-only annotations.
func (e *Engine) confirm(provisionalID string, saved models.PlantRecord, annotations models.Annotations) models.PlantRecord {
	var local *models.PlantRecord
	if rec, ok := e.cache.Get(provisionalID); ok {
		local = &rec
	}

	merged := conflict.Merge(local, saved, annotations)
	if merged.ProvisionalID == "" && provisionalID != saved.ID {
		merged.ProvisionalID = provisionalID
	}
	merged.UpdatedAt = e.now()
	stored := e.cache.Confirm(provisionalID, merged)

	e.notify(notify.EventPlantSynced, "Plant synced", stored.ID, map[string]interface{}{
		"provisional_id": provisionalID,
		"latitude":       stored.Latitude,
		"longitude":      stored.Longitude,
	})
	return stored
}

// ReplayQueue implements SyncEngine.
func (e *Engine) ReplayQueue(ctx context.Context) (*ReplayResult, error) {
	e.replayMu.Lock()
	defer e.replayMu.Unlock()

	jobs, err := e.queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	result := &ReplayResult{StartedAt: e.now()}
	if len(jobs) == 0 {
		result.FinishedAt = result.StartedAt
		e.setLastReplay(result)
		return result, nil
	}

	e.setReplaying(true)
	defer e.setReplaying(false)

	e.notifier.Notify(notify.NewEvent(notify.EventSyncStarted, "Syncing offline uploads",
		map[string]interface{}{"jobs": len(jobs)}))

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if job.IsHeld() {
			result.Skipped++
			continue
		}

		result.Attempted++
		if _, err := e.replayJob(ctx, job); err != nil {
			result.Failed++
			continue
		}
		result.Synced++
	}

	result.FinishedAt = e.now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	e.setLastReplay(result)

	msg := fmt.Sprintf("%d offline uploads synced", result.Synced)
	e.notifier.Notify(notify.NewEvent(notify.EventSyncCompleted, msg, map[string]interface{}{
		"attempted": result.Attempted,
		"synced":    result.Synced,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	}))

	return result, ctx.Err()
}

// replayJob runs one queued job through the pipeline. The job is removed
// only after the record is saved remotely. Queue bookkeeping ignores
// cancellation of ctx so a saved record is never replayed again.
// Caller holds replayMu.
func (e *Engine) replayJob(ctx context.Context, job *models.QueueJob) (*models.PlantRecord, error) {
	persistCtx := context.WithoutCancel(ctx)

	e.mu.Lock()
	confirmed, removePending := e.unremoved[job.ID]
	e.mu.Unlock()
	if removePending {
		if err := e.queue.Remove(persistCtx, job.ID); err != nil {
			return nil, err
		}
		e.mu.Lock()
		delete(e.unremoved, job.ID)
		e.mu.Unlock()
		logging.Info("Synced job removed from queue", map[string]interface{}{"job_id": job.ID, "plant_id": confirmed.ID})
		return &confirmed, nil
	}

	e.ensurePlaceholder(job, models.SyncStateExtracting)
	e.notify(notify.EventPlantSyncing, "Syncing queued plant", job.PlantID,
		map[string]interface{}{"job_id": job.ID})

	var saved *models.PlantRecord
	var err error
	if len(job.Image) == 0 {
		err = apperrors.New(apperrors.ErrQueueStorage, "queued image payload is missing").AsPermanent()
	} else {
		saved, err = e.pipeline(ctx, job.ImageName, job.Image)
	}

	if err != nil {
		hold := !apperrors.IsRetryable(err)
		if merr := e.queue.MarkFailed(persistCtx, job.ID, err, hold); merr != nil {
			logging.Error("Failed to record job failure", merr, map[string]interface{}{"job_id": job.ID})
		}
		e.markError(job.PlantID, err)
		return nil, err
	}

	removeErr := e.queue.Remove(persistCtx, job.ID)
	confirmed = e.confirm(job.PlantID, *saved, job.Annotations)
	if removeErr != nil {
		e.mu.Lock()
		e.unremoved[job.ID] = confirmed
		e.mu.Unlock()
		logging.ErrorWithCode("Synced job could not be removed from queue",
			string(apperrors.CodeOf(removeErr)), removeErr,
			map[string]interface{}{"job_id": job.ID, "plant_id": confirmed.ID})
		return &confirmed, removeErr
	}
	return &confirmed, nil
}

// ensurePlaceholder makes sure a queued job has a visible record. An existing
// record only changes state.
func (e *Engine) ensurePlaceholder(job *models.QueueJob, state models.SyncState) {
	if _, ok := e.cache.Get(job.PlantID); ok {
		e.cache.SetState(job.PlantID, state, "")
		return
	}

	info := parser.ParseFilename(job.ImageName)
	e.cache.UpsertOne(models.PlantRecord{
		ID:            job.PlantID,
		ProvisionalID: job.PlantID,
		UserKey:       e.config.UserKey,
		ImageName:     job.ImageName,
		ImageURL:      models.LocalImageURL(job.ImageName),
		Latitude:      info.Latitude,
		Longitude:     info.Longitude,
		SyncState:     state,
		LastError:     job.LastError,
		CreatedAt:     job.EnqueuedAt,
		UpdatedAt:     job.UpdatedAt,
		Annotations:   job.Annotations,
	})
}

// RetryJob implements SyncEngine.
func (e *Engine) RetryJob(ctx context.Context, jobID string) (*models.PlantRecord, error) {
	if !e.signal.Online() {
		return nil, apperrors.New(apperrors.ErrOffline, "cannot retry while offline")
	}

	e.replayMu.Lock()
	defer e.replayMu.Unlock()

	if err := e.queue.Release(ctx, jobID); err != nil {
		return nil, err
	}
	job, err := e.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	logging.Info("Retrying queued job", map[string]interface{}{
		"job_id":   jobID,
		"plant_id": job.PlantID,
		"attempts": job.Attempts,
	})
	return e.replayJob(ctx, job)
}

// Refresh implements SyncEngine.
func (e *Engine) Refresh(ctx context.Context) (int, error) {
	records, err := e.remote.Records.FetchAll(ctx, e.config.UserKey)
	if err != nil {
		return 0, err
	}

	e.cache.SetAll(conflict.Rebase(e.cache.SelectAll(), records))

	now := e.now()
	e.mu.Lock()
	e.lastRefresh = &now
	e.mu.Unlock()

	logging.Info("Plants refreshed", map[string]interface{}{"remote": len(records), "total": e.cache.Len()})
	return len(records), nil
}

// Reconcile implements SyncEngine. Local records are never removed.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	records, err := e.remote.Records.FetchAll(ctx, e.config.UserKey)
	if err != nil {
		return 0, err
	}

	diff := conflict.DiffByIdentity(e.cache.SelectAll(), records)
	updates := append(diff.New, diff.Changed...)
	if len(updates) > 0 {
		e.cache.UpsertMany(updates)
	}

	if n := len(diff.New); n > 0 {
		e.notifier.Notify(notify.NewEvent(notify.EventLiveNewData,
			fmt.Sprintf("%d new plants synced from team", n),
			map[string]interface{}{"count": n}))
	}
	return len(diff.New), nil
}

// Restore implements SyncEngine.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	jobs, err := e.queue.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, job := range jobs {
		if _, ok := e.cache.Get(job.PlantID); ok {
			continue
		}
		state := models.SyncStatePending
		if job.IsHeld() {
			state = models.SyncStateError
		}
		e.ensurePlaceholder(job, state)
		restored++
	}

	if restored > 0 {
		logging.Info("Restored queued plants", map[string]interface{}{"count": restored})
	}
	return restored, nil
}

// Status implements SyncEngine.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	size, err := e.queue.Size(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	s := &Status{
		Online:    e.signal.Online(),
		QueueSize: size,
		Records:   e.cache.Len(),
		Replaying: e.replaying,
	}
	if e.lastReplay != nil {
		r := *e.lastReplay
		s.LastReplay = &r
	}
	if e.lastRefresh != nil {
		t := *e.lastRefresh
		s.LastRefresh = &t
	}
	return s, nil
}

func (e *Engine) setReplaying(v bool) {
	e.mu.Lock()
	e.replaying = v
	e.mu.Unlock()
}

func (e *Engine) setLastReplay(r *ReplayResult) {
	e.mu.Lock()
	e.lastReplay = r
	e.mu.Unlock()
}

func (e *Engine) markError(plantID string, cause error) {
	e.cache.SetState(plantID, models.SyncStateError, cause.Error())
	e.notify(notify.EventPlantFailed, "Plant upload failed", plantID, map[string]interface{}{
		"error":      cause.Error(),
		"error_code": string(apperrors.CodeOf(cause)),
		"retryable":  apperrors.IsRetryable(cause),
	})
}

func (e *Engine) notify(t notify.EventType, msg, plantID string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{}, 1)
	}
	data["plant_id"] = plantID
	e.notifier.Notify(notify.NewEvent(t, msg, data))
}
