package s3

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/fieldmap/backend/internal/remote"
)

// MinIOConfig holds MinIO-specific configuration.
type MinIOConfig struct {
	Endpoint      string // e.g. "localhost:9000" or "https://minio.example.com"
	BucketName    string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	KeyPrefix     string
	PublicBaseURL string
}

// NewMinIOClient creates an image store on MinIO. MinIO requires
// path-style URLs (endpoint/bucket/key).
func NewMinIOClient(config *MinIOConfig) (*remote.S3Client, error) {
	endpoint, err := ParseMinIOEndpoint(config.Endpoint, config.UseSSL)
	if err != nil {
		return nil, err
	}

	return remote.NewS3Client(&remote.S3Config{
		Endpoint:       endpoint,
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         "us-east-1", // MinIO ignores regions but signing needs one
		KeyPrefix:      config.KeyPrefix,
		PublicBaseURL:  config.PublicBaseURL,
		ForcePathStyle: true,
	}), nil
}

// ParseMinIOEndpoint adds a scheme when missing and trims trailing slashes.
func ParseMinIOEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}

// MinIOHealthCheckURL returns the liveness URL for a MinIO server.
func MinIOHealthCheckURL(endpoint string, useSSL bool) string {
	base, err := ParseMinIOEndpoint(endpoint, useSSL)
	if err != nil {
		return ""
	}
	return base + "/minio/health/live"
}
