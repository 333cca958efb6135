package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
)

// smallest valid PNG header; enough for type detection
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestCloudinaryStore_Store(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/demo/image/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "unsigned", r.FormValue("upload_preset"))
		assert.Equal(t, "plants", r.FormValue("folder"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, pngBytes, data)
		assert.Equal(t, "leaf.png", hdr.Filename)
		assert.Equal(t, "image/png", hdr.Header.Get("Content-Type"))

		w.Write([]byte(`{"secure_url":"https://res.cloudinary.com/demo/leaf.png","public_id":"leaf"}`))
	}))
	defer srv.Close()

	store, err := NewCloudinaryStore(CloudinaryConfig{
		CloudName: "demo", UploadPreset: "unsigned", Folder: "plants", BaseURL: srv.URL,
	})
	require.NoError(t, err)

	url, err := store.Store(context.Background(), "leaf.png", pngBytes)
	require.NoError(t, err)
	assert.Equal(t, "https://res.cloudinary.com/demo/leaf.png", url)
}

func TestCloudinaryStore_errorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Upload preset not found"}}`))
	}))
	defer srv.Close()

	store, err := NewCloudinaryStore(CloudinaryConfig{CloudName: "demo", UploadPreset: "x", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = store.Store(context.Background(), "leaf.png", pngBytes)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrUpload))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestCloudinaryStore_serverErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store, err := NewCloudinaryStore(CloudinaryConfig{CloudName: "demo", UploadPreset: "x", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = store.Store(context.Background(), "leaf.png", pngBytes)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestNewCloudinaryStore_requiresConfig(t *testing.T) {
	_, err := NewCloudinaryStore(CloudinaryConfig{CloudName: "demo"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
