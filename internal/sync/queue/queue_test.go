package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
)

func openQueue(t *testing.T, dir string, maxSize int) *DurableQueue {
	t.Helper()
	q, err := Open(dir, maxSize)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueue_ListPending(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir(), 10)

	ann := models.Annotations{HealthState: models.HealthPest, DetectedCrop: "Tomato"}
	id, err := q.Enqueue(ctx, []byte("img-1"), "42_latitude_1_longitude_2.jpg", "42", ann)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	jobs, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "42", job.PlantID)
	assert.Equal(t, []byte("img-1"), job.Image)
	assert.Equal(t, ann, job.Annotations)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.False(t, job.EnqueuedAt.IsZero())
}

func TestListPending_oldestFirst(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir(), 10)

	fixed := time.Unix(1700000000, 0)
	q.now = func() time.Time { return fixed }

	var ids []string
	for _, plant := range []string{"a", "b", "c"} {
		id, err := q.Enqueue(ctx, []byte(plant), plant+".jpg", plant, models.Annotations{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	jobs, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		assert.Equal(t, ids[i], job.ID)
	}
}

func TestListPending_isSnapshot(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir(), 10)

	_, err := q.Enqueue(ctx, []byte("1"), "1.jpg", "1", models.Annotations{})
	require.NoError(t, err)

	jobs, err := q.ListPending(ctx)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, []byte("2"), "2.jpg", "2", models.Annotations{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

// Jobs and payloads survive closing and reopening the data directory.
func TestQueue_survivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := Open(dir, 10)
	require.NoError(t, err)
	id, err := first.Enqueue(ctx, []byte("payload"), "leaf.jpg", "temp-1", models.Annotations{Diagnosis: "aphids"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openQueue(t, dir, 10)
	jobs, err := second.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, "temp-1", jobs[0].PlantID)
	assert.Equal(t, []byte("payload"), jobs[0].Image)
	assert.Equal(t, "aphids", jobs[0].Annotations.Diagnosis)
}

func TestRemove_idempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	q := openQueue(t, dir, 10)

	id, err := q.Enqueue(ctx, []byte("x"), "x.jpg", "x", models.Annotations{})
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, id))
	require.NoError(t, q.Remove(ctx, id))
	require.NoError(t, q.Remove(ctx, "never-existed"))

	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := q.blobs.ListAll()
	require.NoError(t, err)
	assert.Empty(t, stored, "payload is deleted with its last job")
}

func TestRemove_keepsSharedPayload(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir(), 10)

	first, err := q.Enqueue(ctx, []byte("same"), "a.jpg", "a", models.Annotations{})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, []byte("same"), "b.jpg", "b", models.Annotations{})
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, first))

	job, err := q.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, []byte("same"), job.Image)
}

func TestEnqueue_quota(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir(), 2)

	for _, p := range []string{"1", "2"} {
		_, err := q.Enqueue(ctx, []byte(p), p+".jpg", p, models.Annotations{})
		require.NoError(t, err)
	}

	_, err := q.Enqueue(ctx, []byte("3"), "3.jpg", "3", models.Annotations{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueFull))
}

func TestEnqueue_requiresPlantID(t *testing.T) {
	q := openQueue(t, t.TempDir(), 2)
	_, err := q.Enqueue(context.Background(), []byte("1"), "1.jpg", "", models.Annotations{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestEnqueue_storageFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	q := openQueue(t, dir, 10)

	// a regular file where the blob shard directory should be
	blobs := filepath.Join(dir, "blobs")
	require.NoError(t, os.WriteFile(blobs, []byte("not a dir"), 0644))

	_, err := q.Enqueue(ctx, []byte("img"), "img.jpg", "p", models.Annotations{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueStorage))
}

func TestMarkFailed_Release(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir(), 10)

	id, err := q.Enqueue(ctx, []byte("x"), "x.jpg", "x", models.Annotations{})
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, id, errors.New("timeout"), false))
	require.NoError(t, q.MarkFailed(ctx, id, errors.New("rejected"), true))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "rejected", job.LastError)
	assert.True(t, job.IsHeld())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Held: 1, Bytes: 1}, stats)

	require.NoError(t, q.Release(ctx, id))
	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, job.IsHeld())
	assert.Equal(t, 2, job.Attempts)
}

func TestMarkFailed_unknownJob(t *testing.T) {
	q := openQueue(t, t.TempDir(), 10)
	err := q.MarkFailed(context.Background(), "nope", errors.New("x"), false)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = q.Release(context.Background(), "nope")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestPrune_removesOrphans(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir(), 10)

	_, err := q.Enqueue(ctx, []byte("kept"), "k.jpg", "k", models.Annotations{})
	require.NoError(t, err)
	_, err = q.blobs.Store([]byte("orphan"))
	require.NoError(t, err)

	n, err := q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := q.blobs.ListAll()
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestListPending_missingPayload(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, t.TempDir(), 10)

	id, err := q.Enqueue(ctx, []byte("lost"), "l.jpg", "l", models.Annotations{})
	require.NoError(t, err)

	stored, err := q.blobs.ListAll()
	require.NoError(t, err)
	require.NoError(t, q.blobs.Delete(stored[0]))

	jobs, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
	assert.Nil(t, jobs[0].Image)
}
