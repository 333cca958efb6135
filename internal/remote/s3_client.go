package remote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/parser"
)

// S3Config holds S3 connection configuration.
type S3Config struct {
	// Endpoint includes the scheme, e.g. https://s3.us-west-2.amazonaws.com.
	Endpoint       string
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool // Use path-style URLs (minio, localstack)
	// KeyPrefix is prepended to every object key.
	KeyPrefix string
	// PublicBaseURL is where uploaded objects are readable, e.g. a CDN
	// domain. Defaults to the object's API URL.
	PublicBaseURL string
}

// S3Client stores plant images in an S3-compatible bucket.
type S3Client struct {
	config     *S3Config
	httpClient *http.Client
	now        func() time.Time
}

// NewS3Client creates a new S3Client.
func NewS3Client(config *S3Config) *S3Client {
	cfg := *config
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		cfg.Endpoint = "https://" + cfg.Endpoint
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	return &S3Client{
		config: &cfg,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		now: time.Now,
	}
}

// Config returns a copy of the client configuration.
func (c *S3Client) Config() S3Config {
	return *c.config
}

// ObjectKey returns the key an image is stored under. The content hash
// prefix keeps re-uploads of the same photo idempotent.
func (c *S3Client) ObjectKey(name string, image []byte) string {
	sum := sha256.Sum256(image)
	key := hex.EncodeToString(sum[:6]) + "-" + parser.SanitizeImageName(name)
	if c.config.KeyPrefix != "" {
		key = strings.Trim(c.config.KeyPrefix, "/") + "/" + key
	}
	return key
}

// Store uploads image and returns its public URL.
func (c *S3Client) Store(ctx context.Context, name string, image []byte) (string, error) {
	key := c.ObjectKey(name, image)
	if err := c.Upload(ctx, key, image, mimetype.Detect(image).String()); err != nil {
		return "", err
	}
	return c.PublicURL(key), nil
}

// Upload puts an object.
func (c *S3Client) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	req, err := c.newRequest(ctx, http.MethodPut, key, data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUpload, "failed to build upload request", err).AsPermanent()
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUpload, "upload request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return statusError(apperrors.ErrUpload, "object upload", resp.StatusCode, body)
}

// Delete removes an object.
func (c *S3Client) Delete(ctx context.Context, key string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUpload, "failed to build delete request", err).AsPermanent()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrUpload, "delete request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return statusError(apperrors.ErrUpload, "object delete", resp.StatusCode, body)
}

// PublicURL returns the readable URL of an object.
func (c *S3Client) PublicURL(key string) string {
	if c.config.PublicBaseURL != "" {
		return strings.TrimSuffix(c.config.PublicBaseURL, "/") + "/" + escapeKey(key)
	}
	return c.objectURL(key).String()
}

func (c *S3Client) objectURL(key string) *url.URL {
	u, _ := url.Parse(c.config.Endpoint)
	if c.config.ForcePathStyle {
		// http://endpoint/bucket/key
		u.Path = "/" + c.config.BucketName + "/" + key
	} else {
		// http://bucket.endpoint/key
		u.Host = c.config.BucketName + "." + u.Host
		u.Path = "/" + key
	}
	return u
}

// newRequest builds a request signed with AWS Signature V4.
func (c *S3Client) newRequest(ctx context.Context, method, key string, body []byte) (*http.Request, error) {
	u := c.objectURL(key)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(body))

	amzDate := c.now().UTC().Format("20060102T150405Z")
	payloadHash := hex.EncodeToString(hashSHA256(body))

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	req.Header.Set("Authorization", c.authorization(method, u, amzDate, payloadHash))
	return req, nil
}

// authorization computes the SigV4 Authorization header over host,
// x-amz-content-sha256 and x-amz-date.
func (c *S3Client) authorization(method string, u *url.URL, amzDate, payloadHash string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.config.Region)

	signedHeaders := "host;x-amz-content-sha256;x-amz-date"
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n",
		u.Host, payloadHash, amzDate)

	canonicalRequest := strings.Join([]string{
		method,
		escapeKey(u.Path),
		u.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	const algorithm = "AWS4-HMAC-SHA256"
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+c.config.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, c.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.config.AccessKey, scope, signedHeaders, signature)
}

// escapeKey URI-encodes each path segment, keeping the slashes.
func escapeKey(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hashSHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
