// Package s3 builds S3 image stores for the supported providers.
package s3

import (
	"fmt"
	"sort"

	"github.com/kimhsiao/fieldmap/backend/internal/remote"
)

// Standard AWS S3 regional endpoints.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// AWSConfig holds AWS S3-specific configuration.
type AWSConfig struct {
	BucketName    string
	AccessKey     string
	SecretKey     string
	Region        string // Default: us-east-1
	KeyPrefix     string
	PublicBaseURL string
}

// NewAWSClient creates an image store on AWS S3 using virtual-host style
// URLs (bucket.s3.amazonaws.com).
func NewAWSClient(config *AWSConfig) *remote.S3Client {
	region := config.Region
	if region == "" {
		region = "us-east-1"
	}

	endpoint, ok := awsEndpoints[region]
	if !ok {
		endpoint = fmt.Sprintf("s3.%s.amazonaws.com", region)
	}

	return remote.NewS3Client(&remote.S3Config{
		Endpoint:       "https://" + endpoint,
		BucketName:     config.BucketName,
		AccessKey:      config.AccessKey,
		SecretKey:      config.SecretKey,
		Region:         region,
		KeyPrefix:      config.KeyPrefix,
		PublicBaseURL:  config.PublicBaseURL,
		ForcePathStyle: false,
	})
}

// IsSupportedAWSRegion checks if a region has a known endpoint.
func IsSupportedAWSRegion(region string) bool {
	_, ok := awsEndpoints[region]
	return ok
}

// SupportedAWSRegions returns the known regions, sorted.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsEndpoints))
	for region := range awsEndpoints {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}
