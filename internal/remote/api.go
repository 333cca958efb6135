package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
)

// DefaultAPIBaseURL is the hosted plant location API.
const DefaultAPIBaseURL = "https://api.alumnx.com/api/hackathons"

// DefaultTimeout bounds each remote call.
const DefaultTimeout = 30 * time.Second

// maxErrorBody limits how much of an error response is kept in messages.
const maxErrorBody = 512

// APIConfig configures the plant location API client.
type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

// APIClient talks to the plant location API. It implements GeoExtractor
// and RecordService.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates an API client.
func NewAPIClient(cfg APIConfig) *APIClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultAPIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &APIClient{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// apiPlant is the server's plant document.
type apiPlant struct {
	ID         string     `json:"_id"`
	EmailID    string     `json:"emailId"`
	ImageName  string     `json:"imageName"`
	ImageURL   string     `json:"imageUrl"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	UploadedAt *time.Time `json:"uploadedAt,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

func (p apiPlant) toRecord() models.PlantRecord {
	rec := models.PlantRecord{
		ID:        p.ID,
		UserKey:   p.EmailID,
		ImageName: p.ImageName,
		ImageURL:  p.ImageURL,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		SyncState: models.SyncStateSynced,
	}
	switch {
	case p.CreatedAt != nil:
		rec.CreatedAt = *p.CreatedAt
	case p.UploadedAt != nil:
		rec.CreatedAt = *p.UploadedAt
	}
	if p.UpdatedAt != nil {
		rec.UpdatedAt = *p.UpdatedAt
	} else {
		rec.UpdatedAt = rec.CreatedAt
	}
	return rec
}

type extractResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		ImageName string   `json:"imageName"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"data"`
}

type saveResponse struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	IsUpdate bool     `json:"isUpdate"`
	Data     apiPlant `json:"data"`
}

type fetchResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Count   int        `json:"count"`
	Data    []apiPlant `json:"data"`
}

// Extract asks the API to read coordinates from the stored image.
func (c *APIClient) Extract(ctx context.Context, userKey, imageName, imageURL string) (models.Coordinates, error) {
	payload := map[string]string{
		"emailId":   userKey,
		"imageName": imageName,
		"imageUrl":  imageURL,
	}

	var resp extractResponse
	if err := c.post(ctx, apperrors.ErrExtraction, "/extract-latitude-longitude", payload, &resp); err != nil {
		return models.Coordinates{}, err
	}
	if !resp.Success {
		return models.Coordinates{}, rejected(apperrors.ErrExtraction, "geo extraction", resp.Message)
	}
	if resp.Data.Latitude == nil || resp.Data.Longitude == nil {
		return models.Coordinates{}, apperrors.New(apperrors.ErrExtraction,
			fmt.Sprintf("no location found in %s", imageName)).AsPermanent()
	}

	return models.Coordinates{Latitude: *resp.Data.Latitude, Longitude: *resp.Data.Longitude}, nil
}

// Save persists a plant record and returns the server's version of it.
func (c *APIClient) Save(ctx context.Context, req SaveRequest) (*models.PlantRecord, error) {
	var resp saveResponse
	if err := c.post(ctx, apperrors.ErrPersistence, "/save-plant-location-data", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, rejected(apperrors.ErrPersistence, "record save", resp.Message)
	}
	if resp.Data.ID == "" {
		return nil, apperrors.New(apperrors.ErrPersistence, "save response carried no record id")
	}

	rec := resp.Data.toRecord()
	return &rec, nil
}

// FetchAll returns every record the server holds for userKey.
func (c *APIClient) FetchAll(ctx context.Context, userKey string) ([]models.PlantRecord, error) {
	var resp fetchResponse
	if err := c.post(ctx, apperrors.ErrFetch, "/get-plant-location-data", map[string]string{"emailId": userKey}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, rejected(apperrors.ErrFetch, "record fetch", resp.Message)
	}

	records := make([]models.PlantRecord, 0, len(resp.Data))
	for _, p := range resp.Data {
		if p.ID == "" {
			continue
		}
		records = append(records, p.toRecord())
	}
	return records, nil
}

// Ping checks that the API host answers at all. Any HTTP response counts.
func (c *APIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *APIClient) post(ctx context.Context, code apperrors.ErrorCode, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(code, "failed to build request", err).AsPermanent()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(code, path+" request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(code, "failed to read response", err)
	}

	if err := statusError(code, path, resp.StatusCode, data); err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(code, "failed to decode response", err)
	}
	return nil
}

// statusError classifies a non-2xx response. 5xx and 429 may succeed later;
// any other client error will not.
func statusError(code apperrors.ErrorCode, op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	appErr := apperrors.New(code, fmt.Sprintf("%s failed with status %d: %s", op, status, msg))
	if status >= 500 || status == http.StatusTooManyRequests {
		return appErr
	}
	return appErr.AsPermanent()
}

func rejected(code apperrors.ErrorCode, op, message string) error {
	if message == "" {
		message = "rejected by server"
	}
	return apperrors.New(code, fmt.Sprintf("%s: %s", op, message)).AsPermanent()
}
