// Package remote defines the network collaborators of the sync engine and
// their HTTP implementations.
package remote

import (
	"context"

	"github.com/kimhsiao/fieldmap/backend/internal/models"
)

// ImageStore persists an image and returns its durable URL.
type ImageStore interface {
	Store(ctx context.Context, name string, image []byte) (string, error)
}

// GeoExtractor derives coordinates from a stored image.
type GeoExtractor interface {
	Extract(ctx context.Context, userKey, imageName, imageURL string) (models.Coordinates, error)
}

// SaveRequest is the record sent to the record service.
type SaveRequest struct {
	UserKey   string  `json:"emailId"`
	ImageName string  `json:"imageName"`
	ImageURL  string  `json:"imageUrl"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// RecordService saves and fetches plant records.
type RecordService interface {
	Save(ctx context.Context, req SaveRequest) (*models.PlantRecord, error)
	FetchAll(ctx context.Context, userKey string) ([]models.PlantRecord, error)
}

// Client bundles the collaborators the remote pipeline needs.
type Client struct {
	Images  ImageStore
	Geo     GeoExtractor
	Records RecordService
}
