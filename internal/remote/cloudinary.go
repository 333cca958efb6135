package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
)

// DefaultCloudinaryURL is the upload API root.
const DefaultCloudinaryURL = "https://api.cloudinary.com/v1_1"

// CloudinaryConfig configures unsigned uploads.
type CloudinaryConfig struct {
	CloudName    string
	UploadPreset string
	Folder       string
	// BaseURL overrides DefaultCloudinaryURL.
	BaseURL string
	Timeout time.Duration
}

// CloudinaryStore uploads images with an unsigned upload preset.
type CloudinaryStore struct {
	config     CloudinaryConfig
	httpClient *http.Client
}

// NewCloudinaryStore creates a Cloudinary image store.
func NewCloudinaryStore(cfg CloudinaryConfig) (*CloudinaryStore, error) {
	if cfg.CloudName == "" || cfg.UploadPreset == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "cloudinary cloud name and upload preset are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCloudinaryURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &CloudinaryStore{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type cloudinaryResponse struct {
	SecureURL string `json:"secure_url"`
	PublicID  string `json:"public_id"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Store uploads image and returns its secure URL.
func (s *CloudinaryStore) Store(ctx context.Context, name string, image []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", mimetype.Detect(image).String())
	part, err := w.CreatePart(header)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to build upload form", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to build upload form", err)
	}

	fields := map[string]string{"upload_preset": s.config.UploadPreset}
	if s.config.Folder != "" {
		fields["folder"] = s.config.Folder
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", apperrors.Wrap(apperrors.ErrInternal, "failed to build upload form", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to build upload form", err)
	}

	url := fmt.Sprintf("%s/%s/image/upload", s.config.BaseURL, s.config.CloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrUpload, "failed to build upload request", err).AsPermanent()
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrUpload, "image upload request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrUpload, "failed to read upload response", err)
	}
	if err := statusError(apperrors.ErrUpload, "image upload", resp.StatusCode, data); err != nil {
		return "", err
	}

	var out cloudinaryResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", apperrors.Wrap(apperrors.ErrUpload, "failed to decode upload response", err)
	}
	if out.Error != nil {
		return "", rejected(apperrors.ErrUpload, "image upload", out.Error.Message)
	}
	if out.SecureURL == "" {
		return "", apperrors.New(apperrors.ErrUpload, "upload response carried no secure_url")
	}
	return out.SecureURL, nil
}
