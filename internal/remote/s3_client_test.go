package remote

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
)

func TestS3Client_Store(t *testing.T) {
	var gotPath, gotAuth, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, hexSHA(gotBody), r.Header.Get("X-Amz-Content-Sha256"))
		assert.NotEmpty(t, r.Header.Get("X-Amz-Date"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewS3Client(&S3Config{
		Endpoint:       srv.URL,
		BucketName:     "plants",
		AccessKey:      "AKID",
		SecretKey:      "secret",
		Region:         "us-west-2",
		ForcePathStyle: true,
		KeyPrefix:      "/uploads/",
	})

	url, err := c.Store(context.Background(), "my leaf.png", pngBytes)
	require.NoError(t, err)

	key := c.ObjectKey("my leaf.png", pngBytes)
	assert.True(t, strings.HasPrefix(key, "uploads/"))
	assert.True(t, strings.HasSuffix(key, "-my_leaf.png"))
	assert.Equal(t, "/plants/"+key, gotPath)
	assert.Equal(t, srv.URL+"/plants/"+key, url)
	assert.Equal(t, pngBytes, gotBody)
	assert.Equal(t, "image/png", gotType)
	assert.Contains(t, gotAuth, "AWS4-HMAC-SHA256 Credential=AKID/")
	assert.Contains(t, gotAuth, "/us-west-2/s3/aws4_request")
	assert.Contains(t, gotAuth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date")
}

func TestS3Client_signatureIsDeterministic(t *testing.T) {
	c := NewS3Client(&S3Config{Endpoint: "s3.amazonaws.com", BucketName: "b", AccessKey: "a", SecretKey: "s"})
	c.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }

	r1, err := c.newRequest(context.Background(), http.MethodPut, "k.jpg", []byte("x"))
	require.NoError(t, err)
	r2, err := c.newRequest(context.Background(), http.MethodPut, "k.jpg", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, r1.Header.Get("Authorization"), r2.Header.Get("Authorization"))
	assert.Equal(t, "b.s3.amazonaws.com", r1.URL.Host)
	assert.Equal(t, "20250102T030405Z", r1.Header.Get("X-Amz-Date"))

	r3, err := c.newRequest(context.Background(), http.MethodPut, "k.jpg", []byte("y"))
	require.NoError(t, err)
	assert.NotEqual(t, r1.Header.Get("Authorization"), r3.Header.Get("Authorization"))
}

func TestS3Client_uploadErrors(t *testing.T) {
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewS3Client(&S3Config{Endpoint: srv.URL, BucketName: "b", ForcePathStyle: true})

	err := c.Upload(context.Background(), "k", []byte("x"), "image/jpeg")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUpload))
	assert.False(t, apperrors.IsRetryable(err))

	status = http.StatusInternalServerError
	err = c.Upload(context.Background(), "k", []byte("x"), "image/jpeg")
	assert.True(t, apperrors.IsRetryable(err))
}

func TestS3Client_Delete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewS3Client(&S3Config{Endpoint: srv.URL, BucketName: "b", ForcePathStyle: true})
	assert.NoError(t, c.Delete(context.Background(), "gone.jpg"))
}

func TestS3Client_PublicURL(t *testing.T) {
	c := NewS3Client(&S3Config{Endpoint: "https://s3.amazonaws.com", BucketName: "b", PublicBaseURL: "https://cdn.example.com/"})
	assert.Equal(t, "https://cdn.example.com/a/b%20c.jpg", c.PublicURL("a/b c.jpg"))
}

func hexSHA(b []byte) string {
	return hex.EncodeToString(hashSHA256(b))
}
