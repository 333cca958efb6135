package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldmap/backend/internal/cache"
	"github.com/kimhsiao/fieldmap/backend/internal/connectivity"
	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
	"github.com/kimhsiao/fieldmap/backend/internal/notify"
	"github.com/kimhsiao/fieldmap/backend/internal/remote"
	"github.com/kimhsiao/fieldmap/backend/internal/sync/queue"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{G: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// memQueue is an in-memory Queue.
type memQueue struct {
	mu       stdsync.Mutex
	jobs     []*models.QueueJob
	seq      int
	enqueue  func()
	failPut  error
	failDrop error
}

func (q *memQueue) Enqueue(_ context.Context, img []byte, name, plantID string, ann models.Annotations) (string, error) {
	if q.enqueue != nil {
		q.enqueue()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failPut != nil {
		return "", q.failPut
	}
	q.seq++
	job := &models.QueueJob{
		ID:          fmt.Sprintf("job-%d", q.seq),
		PlantID:     plantID,
		ImageName:   name,
		Image:       img,
		Annotations: ann,
		Status:      models.JobStatusPending,
		EnqueuedAt:  time.Unix(int64(q.seq), 0),
	}
	q.jobs = append(q.jobs, job)
	return job.ID, nil
}

func (q *memQueue) ListPending(context.Context) ([]*models.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.QueueJob, 0, len(q.jobs))
	for _, j := range q.jobs {
		c := *j
		out = append(out, &c)
	}
	return out, nil
}

func (q *memQueue) find(id string) *models.QueueJob {
	for _, j := range q.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (q *memQueue) Get(_ context.Context, id string) (*models.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, "job not found")
	}
	c := *j
	return &c, nil
}

func (q *memQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failDrop != nil {
		return q.failDrop
	}
	for i, j := range q.jobs {
		if j.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			break
		}
	}
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, id string, cause error, hold bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil {
		return apperrors.New(apperrors.ErrNotFound, "job not found")
	}
	j.Attempts++
	j.LastError = cause.Error()
	if hold {
		j.Status = models.JobStatusHeld
	}
	return nil
}

func (q *memQueue) Release(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(id)
	if j == nil {
		return apperrors.New(apperrors.ErrNotFound, "job not found")
	}
	j.Status = models.JobStatusPending
	return nil
}

func (q *memQueue) Size(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

// fakeRemote implements all three remote services and counts calls.
type fakeRemote struct {
	mu       stdsync.Mutex
	calls    int32
	nextID   int
	saved    []remote.SaveRequest
	listing  []models.PlantRecord
	storeErr error
	saveErr  func(req remote.SaveRequest) error
	coords   models.Coordinates

	// storeHook runs before Store returns; a non-nil error fails the store.
	storeHook func() error
	// saveHook runs after Save has accepted a record.
	saveHook func()
}

func (f *fakeRemote) client() remote.Client {
	return remote.Client{Images: f, Geo: f, Records: f}
}

func (f *fakeRemote) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

func (f *fakeRemote) Store(_ context.Context, name string, _ []byte) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.storeHook != nil {
		if err := f.storeHook(); err != nil {
			return "", err
		}
	}
	if f.storeErr != nil {
		return "", f.storeErr
	}
	return "https://cdn.example.com/" + name, nil
}

func (f *fakeRemote) Extract(_ context.Context, _, _, _ string) (models.Coordinates, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.coords, nil
}

func (f *fakeRemote) Save(_ context.Context, req remote.SaveRequest) (*models.PlantRecord, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.saveErr != nil {
		if err := f.saveErr(req); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.saved = append(f.saved, req)
	if f.saveHook != nil {
		f.saveHook()
	}
	return &models.PlantRecord{
		ID:        fmt.Sprintf("srv-%d", f.nextID),
		UserKey:   req.UserKey,
		ImageName: req.ImageName,
		ImageURL:  req.ImageURL,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeRemote) FetchAll(context.Context, string) ([]models.PlantRecord, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PlantRecord(nil), f.listing...), nil
}

type harness struct {
	engine   *Engine
	cache    *cache.Cache
	queue    *memQueue
	remote   *fakeRemote
	signal   *connectivity.Manual
	recorder *notify.Recorder
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	h := &harness{
		cache:    cache.New(),
		queue:    &memQueue{},
		remote:   &fakeRemote{coords: models.Coordinates{Latitude: 12.5, Longitude: 77.6}},
		signal:   connectivity.NewManual(online),
		recorder: &notify.Recorder{},
	}
	e, err := NewEngine(Config{UserKey: "field@example.com"}, Deps{
		Cache:    h.cache,
		Queue:    h.queue,
		Remote:   h.remote.client(),
		Signal:   h.signal,
		Notifier: h.recorder,
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func TestNewEngine_RequiresDeps(t *testing.T) {
	_, err := NewEngine(Config{UserKey: "u"}, Deps{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	f := &fakeRemote{}
	_, err = NewEngine(Config{}, Deps{
		Cache:  cache.New(),
		Queue:  &memQueue{},
		Remote: f.client(),
		Signal: connectivity.NewManual(true),
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestSubmitUpload_RejectsNonImage(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "a.jpg", Image: []byte("plain text")})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "a.jpg"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	assert.Zero(t, h.cache.Len())
	assert.Zero(t, h.remote.Calls())
}

func TestSubmitUpload_OfflineQueues(t *testing.T) {
	h := newHarness(t, false)
	ann := models.Annotations{HealthState: models.HealthPest, DetectedCrop: "Tomato"}

	res, err := h.engine.SubmitUpload(context.Background(), UploadRequest{
		ImageName:   "42_latitude_12.5_longitude_77.6_x.jpg",
		Image:       testPNG(t),
		Annotations: ann,
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.NotEmpty(t, res.JobID)

	records := h.cache.SelectAll()
	require.Len(t, records, 1)
	assert.Equal(t, "42", records[0].ID)
	assert.Equal(t, models.SyncStatePending, records[0].SyncState)
	assert.Equal(t, 12.5, records[0].Latitude)
	assert.Equal(t, "local://42_latitude_12.5_longitude_77.6_x.jpg", records[0].ImageURL)
	assert.Equal(t, ann, records[0].Annotations)

	size, _ := h.queue.Size(context.Background())
	assert.Equal(t, 1, size)
	assert.Zero(t, h.remote.Calls())
	assert.Contains(t, h.recorder.Types(), notify.EventPlantQueued)
}

func TestSubmitUpload_RecordVisibleBeforeEnqueueCompletes(t *testing.T) {
	h := newHarness(t, false)

	var seen []models.PlantRecord
	h.queue.enqueue = func() { seen = h.cache.SelectAll() }

	_, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "photo.jpg", Image: testPNG(t)})
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, models.SyncStatePending, seen[0].SyncState)
	assert.Contains(t, seen[0].ID, "temp-")
}

func TestSubmitUpload_OfflineQueueFailureMarksError(t *testing.T) {
	h := newHarness(t, false)
	h.queue.failPut = apperrors.New(apperrors.ErrQueueFull, "queue is full")

	_, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "photo.jpg", Image: testPNG(t)})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueFull))

	records := h.cache.SelectAll()
	require.Len(t, records, 1)
	assert.Equal(t, models.SyncStateError, records[0].SyncState)
	assert.Contains(t, records[0].LastError, "queue is full")
}

func TestSubmitUpload_OnlineSynced(t *testing.T) {
	h := newHarness(t, true)
	ann := models.Annotations{HealthState: models.HealthDisease}

	res, err := h.engine.SubmitUpload(context.Background(), UploadRequest{
		ImageName:   "photo.jpg",
		Image:       testPNG(t),
		Annotations: ann,
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSynced, res.Outcome)
	assert.Equal(t, "srv-1", res.Record.ID)
	assert.Equal(t, models.SyncStateSynced, res.Record.SyncState)
	assert.Equal(t, ann, res.Record.Annotations)
	assert.Equal(t, "https://cdn.example.com/photo.jpg", res.Record.ImageURL)

	records := h.cache.SelectAll()
	require.Len(t, records, 1, "provisional record must be replaced")
	assert.Equal(t, "srv-1", records[0].ID)
	assert.Contains(t, records[0].ProvisionalID, "temp-")

	size, _ := h.queue.Size(context.Background())
	assert.Zero(t, size)
	assert.Equal(t, []notify.EventType{notify.EventPlantSyncing, notify.EventPlantSynced}, h.recorder.Types())
}

func TestSubmitUpload_TransientFailureQueuesForRetry(t *testing.T) {
	h := newHarness(t, true)
	h.remote.storeErr = apperrors.New(apperrors.ErrUpload, "bad gateway")

	res, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "photo.jpg", Image: testPNG(t)})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, res.Held)
	assert.Contains(t, res.Error, "bad gateway")
	assert.Equal(t, models.SyncStateError, res.Record.SyncState)

	jobs, _ := h.queue.ListPending(context.Background())
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusPending, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestSubmitUpload_PermanentFailureIsHeld(t *testing.T) {
	h := newHarness(t, true)
	h.remote.saveErr = func(remote.SaveRequest) error {
		return apperrors.New(apperrors.ErrPersistence, "rejected").AsPermanent()
	}

	res, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "photo.jpg", Image: testPNG(t)})
	require.NoError(t, err)
	assert.True(t, res.Held)

	jobs, _ := h.queue.ListPending(context.Background())
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].IsHeld())

	// Held jobs are skipped by automatic replay.
	before := h.remote.Calls()
	result, err := h.engine.ReplayQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Attempted)
	assert.Equal(t, before, h.remote.Calls())
}

func TestReplayQueue_EmptyQueueMakesNoRemoteCalls(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "photo.jpg", Image: testPNG(t)})
	require.NoError(t, err)
	h.signal.SetOnline(true)

	first, err := h.engine.ReplayQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Synced)
	calls := h.remote.Calls()

	second, err := h.engine.ReplayQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Attempted)
	assert.Equal(t, calls, h.remote.Calls())
}

func TestReplayQueue_PartialFailureIsolated(t *testing.T) {
	h := newHarness(t, false)
	for _, name := range []string{"1_latitude_1_longitude_1.jpg", "2_latitude_2_longitude_2.jpg", "3_latitude_3_longitude_3.jpg"} {
		_, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: name, Image: testPNG(t)})
		require.NoError(t, err)
	}
	h.remote.saveErr = func(req remote.SaveRequest) error {
		if req.ImageName == "2_latitude_2_longitude_2.jpg" {
			return apperrors.New(apperrors.ErrPersistence, "server unavailable")
		}
		return nil
	}
	h.signal.SetOnline(true)

	result, err := h.engine.ReplayQueue(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 1, result.Failed)

	jobs, _ := h.queue.ListPending(context.Background())
	require.Len(t, jobs, 1)
	assert.Equal(t, "2", jobs[0].PlantID)
	assert.Contains(t, jobs[0].LastError, "server unavailable")

	failed, ok := h.cache.Get("2")
	require.True(t, ok)
	assert.Equal(t, models.SyncStateError, failed.SyncState)
	assert.Equal(t, 3, h.cache.Len())

	events := h.recorder.Events()
	last := events[len(events)-1]
	assert.Equal(t, notify.EventSyncCompleted, last.Type)
	assert.Equal(t, 2, last.Data["synced"])
}

func TestReplayQueue_RestoresAnnotationsAndServerIdentity(t *testing.T) {
	h := newHarness(t, false)
	ann := models.Annotations{HealthState: models.HealthWaterStress, DetectedCrop: "Maize"}

	_, err := h.engine.SubmitUpload(context.Background(), UploadRequest{
		ImageName:   "field.png",
		Image:       testPNG(t),
		Annotations: ann,
	})
	require.NoError(t, err)

	h.signal.SetOnline(true)
	result, err := h.engine.ReplayQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	size, _ := h.queue.Size(context.Background())
	assert.Zero(t, size)

	records := h.cache.SelectAll()
	require.Len(t, records, 1)
	assert.Equal(t, "srv-1", records[0].ID)
	assert.Equal(t, models.SyncStateSynced, records[0].SyncState)
	assert.Equal(t, models.HealthWaterStress, records[0].HealthState)
	assert.Equal(t, "Maize", records[0].DetectedCrop)
	assert.Equal(t, 12.5, records[0].Latitude)
}

func TestReplayQueue_RemoveFailureStillConfirms(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "photo.jpg", Image: testPNG(t)})
	require.NoError(t, err)

	h.queue.failDrop = errors.New("disk full")
	h.signal.SetOnline(true)

	result, err := h.engine.ReplayQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	records := h.cache.SelectAll()
	require.Len(t, records, 1)
	assert.Equal(t, models.SyncStateSynced, records[0].SyncState)

	calls := h.remote.Calls()
	h.queue.failDrop = nil

	result, err = h.engine.ReplayQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, calls, h.remote.Calls(), "saved job must not run the pipeline again")
	assert.Len(t, h.remote.saved, 1)

	size, _ := h.queue.Size(context.Background())
	assert.Zero(t, size)
	assert.Len(t, h.cache.SelectAll(), 1)
}

func TestReplayQueue_MissingPayloadIsHeld(t *testing.T) {
	h := newHarness(t, true)
	h.queue.jobs = append(h.queue.jobs, &models.QueueJob{ID: "job-x", PlantID: "7", ImageName: "7.jpg", Status: models.JobStatusPending})

	result, err := h.engine.ReplayQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, h.remote.Calls())

	jobs, _ := h.queue.ListPending(context.Background())
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].IsHeld())
}

func TestRetryJob(t *testing.T) {
	h := newHarness(t, true)
	h.remote.saveErr = func(remote.SaveRequest) error {
		return apperrors.New(apperrors.ErrPersistence, "rejected").AsPermanent()
	}

	res, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "photo.jpg", Image: testPNG(t)})
	require.NoError(t, err)
	require.True(t, res.Held)

	h.remote.saveErr = nil
	rec, err := h.engine.RetryJob(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateSynced, rec.SyncState)

	size, _ := h.queue.Size(context.Background())
	assert.Zero(t, size)
	assert.Equal(t, 1, h.cache.Len())
}

func TestRetryJob_Offline(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.RetryJob(context.Background(), "job-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrOffline))
}

func TestRefresh_KeepsUnsyncedLocalRecords(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "photo.jpg", Image: testPNG(t)})
	require.NoError(t, err)

	h.remote.listing = []models.PlantRecord{
		{ID: "a", ImageName: "a.jpg", CreatedAt: time.Unix(10, 0)},
		{ID: "b", ImageName: "b.jpg", CreatedAt: time.Unix(20, 0)},
	}

	n, err := h.engine.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, h.cache.Len())

	status, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, status.LastRefresh)
}

func TestReconcile_CountsOnlyNewIdentities(t *testing.T) {
	h := newHarness(t, true)
	h.cache.UpsertOne(models.PlantRecord{ID: "a", ImageName: "a.jpg", SyncState: models.SyncStateSynced, CreatedAt: time.Unix(10, 0)})

	h.remote.listing = []models.PlantRecord{
		{ID: "a", ImageName: "a.jpg", CreatedAt: time.Unix(10, 0)},
		{ID: "b", ImageName: "b.jpg", CreatedAt: time.Unix(20, 0)},
		{ID: "c", ImageName: "c.jpg", CreatedAt: time.Unix(30, 0)},
	}

	n, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, h.cache.Len())

	events := h.recorder.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, notify.EventLiveNewData, events[len(events)-1].Type)
	assert.Equal(t, "2 new plants synced from team", events[len(events)-1].Message)

	n, err = h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconcile_DoesNotRemoveLocalRecords(t *testing.T) {
	h := newHarness(t, true)
	h.cache.UpsertOne(models.PlantRecord{ID: "local-only", SyncState: models.SyncStateSynced})
	h.remote.listing = []models.PlantRecord{{ID: "x"}}

	_, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)

	_, ok := h.cache.Get("local-only")
	assert.True(t, ok)
}

func TestRestore_RebuildsPlaceholdersAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	q, err := queue.Open(dir, 10)
	require.NoError(t, err)

	f := &fakeRemote{}
	first, err := NewEngine(Config{UserKey: "u"}, Deps{
		Cache:  cache.New(),
		Queue:  q,
		Remote: f.client(),
		Signal: connectivity.NewManual(false),
	})
	require.NoError(t, err)

	ann := models.Annotations{DetectedCrop: "Rice"}
	_, err = first.SubmitUpload(ctx, UploadRequest{ImageName: "5_latitude_1.5_longitude_2.5.png", Image: testPNG(t), Annotations: ann})
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = queue.Open(dir, 10)
	require.NoError(t, err)
	defer q.Close()

	c := cache.New()
	second, err := NewEngine(Config{UserKey: "u"}, Deps{
		Cache:  c,
		Queue:  q,
		Remote: f.client(),
		Signal: connectivity.NewManual(true),
	})
	require.NoError(t, err)

	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok := c.Get("5")
	require.True(t, ok)
	assert.Equal(t, models.SyncStatePending, rec.SyncState)
	assert.Equal(t, 1.5, rec.Latitude)
	assert.Equal(t, ann, rec.Annotations)

	result, err := second.ReplayQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	records := c.SelectAll()
	require.Len(t, records, 1)
	assert.Equal(t, "srv-1", records[0].ID)
	assert.Equal(t, "Rice", records[0].DetectedCrop)
}

func TestReplayQueue_SerializesConcurrentPasses(t *testing.T) {
	h := newHarness(t, false)
	for i := 0; i < 5; i++ {
		_, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: fmt.Sprintf("p%d.jpg", i), Image: testPNG(t)})
		require.NoError(t, err)
	}
	h.signal.SetOnline(true)

	var wg stdsync.WaitGroup
	results := make([]*ReplayResult, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.engine.ReplayQueue(context.Background())
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Synced
	}
	assert.Equal(t, 5, total, "each job syncs exactly once")

	h.remote.mu.Lock()
	names := make([]string, 0, len(h.remote.saved))
	for _, s := range h.remote.saved {
		names = append(names, s.ImageName)
	}
	h.remote.mu.Unlock()
	sort.Strings(names)
	assert.Equal(t, []string{"p0.jpg", "p1.jpg", "p2.jpg", "p3.jpg", "p4.jpg"}, names)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.engine.SubmitUpload(context.Background(), UploadRequest{ImageName: "photo.jpg", Image: testPNG(t)})
	require.NoError(t, err)

	s, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Online)
	assert.Equal(t, 1, s.QueueSize)
	assert.Equal(t, 1, s.Records)
	assert.False(t, s.Replaying)
	assert.Nil(t, s.LastReplay)
}

func newDurableEngine(t *testing.T, f *fakeRemote, online bool) (*Engine, *queue.DurableQueue, *cache.Cache) {
	t.Helper()
	q, err := queue.Open(t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	c := cache.New()
	e, err := NewEngine(Config{UserKey: "u"}, Deps{
		Cache:  c,
		Queue:  q,
		Remote: f.client(),
		Signal: connectivity.NewManual(online),
	})
	require.NoError(t, err)
	return e, q, c
}

func TestSubmitUpload_CancelledDuringPipelineStillQueues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeRemote{}
	f.storeHook = func() error {
		cancel()
		return apperrors.Wrap(apperrors.ErrUpload, "image upload request failed", context.Canceled)
	}
	e, q, c := newDurableEngine(t, f, true)

	res, err := e.SubmitUpload(ctx, UploadRequest{ImageName: "9_latitude_1_longitude_2.png", Image: testPNG(t)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, res.Held)
	assert.NotEmpty(t, res.JobID)

	jobs, err := q.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "9", jobs[0].PlantID)
	assert.Equal(t, 1, jobs[0].Attempts)

	rec, ok := c.Get("9")
	require.True(t, ok)
	assert.Equal(t, models.SyncStateError, rec.SyncState)
}

func TestSubmitUpload_CancelledCallerOfflineStillQueues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, q, _ := newDurableEngine(t, &fakeRemote{}, false)

	res, err := e.SubmitUpload(ctx, UploadRequest{ImageName: "photo.png", Image: testPNG(t)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)

	size, err := q.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestReplayQueue_CancelAfterSaveDoesNotDuplicate(t *testing.T) {
	f := &fakeRemote{}
	e, q, c := newDurableEngine(t, f, false)

	_, err := e.SubmitUpload(context.Background(), UploadRequest{ImageName: "photo.png", Image: testPNG(t)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.saveHook = cancel
	e.signal.(*connectivity.Manual).SetOnline(true)

	result, err := e.ReplayQueue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.Synced)

	f.saveHook = nil
	result, err = e.ReplayQueue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)

	assert.Len(t, f.saved, 1)
	size, err := q.Size(context.Background())
	require.NoError(t, err)
	assert.Zero(t, size)

	records := c.SelectAll()
	require.Len(t, records, 1)
	assert.Equal(t, "srv-1", records[0].ID)
	assert.Equal(t, models.SyncStateSynced, records[0].SyncState)
}
