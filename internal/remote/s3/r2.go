package s3

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/fieldmap/backend/internal/remote"
)

// R2Config holds Cloudflare R2-specific configuration.
type R2Config struct {
	AccountID  string
	BucketName string
	AccessKey  string
	SecretKey  string
	KeyPrefix  string
	// PublicBaseURL is the r2.dev or custom domain bound to the bucket.
	// R2 API URLs are not publicly readable, so it is required.
	PublicBaseURL string
}

// NewR2Client creates an image store on Cloudflare R2.
// The endpoint is https://<accountid>.r2.cloudflarestorage.com.
func NewR2Client(config *R2Config) (*remote.S3Client, error) {
	if !IsValidR2AccountID(config.AccountID) {
		return nil, fmt.Errorf("invalid R2 account id %q", config.AccountID)
	}
	if config.PublicBaseURL == "" {
		return nil, fmt.Errorf("R2 public base URL is required")
	}

	return remote.NewS3Client(&remote.S3Config{
		Endpoint:       "https://" + R2EndpointForAccount(config.AccountID),
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         "auto",
		KeyPrefix:      config.KeyPrefix,
		PublicBaseURL:  config.PublicBaseURL,
		ForcePathStyle: true,
	}), nil
}

// R2EndpointForAccount returns the R2 endpoint for an account ID.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID is 32 hex characters.
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
