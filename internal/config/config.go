// Package config loads fieldmap settings from an optional YAML file,
// FIELDMAP_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/remote"
)

// EnvPrefix prefixes every environment override, e.g. FIELDMAP_USER_KEY or
// FIELDMAP_API_BASE_URL.
const EnvPrefix = "FIELDMAP"

// Image store providers.
const (
	ProviderCloudinary = "cloudinary"
	ProviderS3         = "s3"
	ProviderMinIO      = "minio"
	ProviderR2         = "r2"
)

// Config is the complete application configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	UserKey      string             `mapstructure:"user_key"`
	API          APIConfig          `mapstructure:"api"`
	ImageStore   ImageStoreConfig   `mapstructure:"image_store"`
	Cloudinary   CloudinaryConfig   `mapstructure:"cloudinary"`
	S3           S3Config           `mapstructure:"s3"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Live         LiveConfig         `mapstructure:"live"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Inbox        InboxConfig        `mapstructure:"inbox"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	AI           AIConfig           `mapstructure:"ai"`
	Media        MediaConfig        `mapstructure:"media"`
}

// APIConfig addresses the plant records service.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ImageStoreConfig selects where photos are uploaded.
type ImageStoreConfig struct {
	Provider string `mapstructure:"provider"`
}

// CloudinaryConfig holds unsigned-upload settings.
type CloudinaryConfig struct {
	CloudName    string `mapstructure:"cloud_name"`
	UploadPreset string `mapstructure:"upload_preset"`
	Folder       string `mapstructure:"folder"`
	BaseURL      string `mapstructure:"base_url"`
}

// S3Config holds settings shared by the s3, minio and r2 providers.
type S3Config struct {
	Endpoint       string `mapstructure:"endpoint"`
	Bucket         string `mapstructure:"bucket"`
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	Region         string `mapstructure:"region"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	UseSSL         bool   `mapstructure:"use_ssl"`
	AccountID      string `mapstructure:"account_id"`
	KeyPrefix      string `mapstructure:"key_prefix"`
	PublicBaseURL  string `mapstructure:"public_base_url"`
}

// ConnectivityConfig controls the online prober.
type ConnectivityConfig struct {
	// ProbeEnabled false leaves the online state to the manual toggle.
	ProbeEnabled bool `mapstructure:"probe_enabled"`
	// ProbeURL defaults to the API base URL.
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// LiveConfig controls the reconciliation poll.
type LiveConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// QueueConfig bounds the offline queue.
type QueueConfig struct {
	MaxSize       int           `mapstructure:"max_size"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// InboxConfig enables the watched drop folder. An empty Dir disables it.
type InboxConfig struct {
	Dir    string        `mapstructure:"dir"`
	Settle time.Duration `mapstructure:"settle"`
}

// ServerConfig is the local HTTP API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig selects level and optional rotating file output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AIConfig enables plant classification of unannotated uploads.
type AIConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Endpoint  string        `mapstructure:"endpoint"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// MediaConfig controls image preparation before upload.
type MediaConfig struct {
	MaxDimension int `mapstructure:"max_dimension"`
}

// Defaults are applied before the file and environment.
var defaults = map[string]interface{}{
	"data_dir":                       "./data",
	"user_key":                       "",
	"api.base_url":                   remote.DefaultAPIBaseURL,
	"api.timeout":                    remote.DefaultTimeout,
	"image_store.provider":           ProviderCloudinary,
	"cloudinary.cloud_name":          "",
	"cloudinary.upload_preset":       "",
	"cloudinary.folder":              "",
	"cloudinary.base_url":            "",
	"s3.endpoint":                    "",
	"s3.bucket":                      "",
	"s3.access_key":                  "",
	"s3.secret_key":                  "",
	"s3.region":                      "us-east-1",
	"s3.force_path_style":            false,
	"s3.use_ssl":                     true,
	"s3.account_id":                  "",
	"s3.key_prefix":                  "plants/",
	"s3.public_base_url":             "",
	"connectivity.probe_enabled":     true,
	"connectivity.probe_url":         "",
	"connectivity.probe_interval":    10 * time.Second,
	"connectivity.probe_timeout":     5 * time.Second,
	"connectivity.failure_threshold": 2,
	"live.enabled":                   false,
	"live.interval":                  5 * time.Second,
	"queue.max_size":                 500,
	"queue.retry_interval":           time.Duration(0),
	"inbox.dir":                      "",
	"inbox.settle":                   500 * time.Millisecond,
	"server.addr":                    "127.0.0.1:8090",
	"log.level":                      "info",
	"log.file":                       "",
	"log.max_size_mb":                50,
	"log.max_backups":                3,
	"log.max_age_days":               28,
	"ai.enabled":                     false,
	"ai.endpoint":                    "",
	"ai.api_key":                     "",
	"ai.model":                       "",
	"ai.max_tokens":                  0,
	"ai.timeout":                     30 * time.Second,
	"media.max_dimension":            1920,
}

// Load reads configuration. When path is empty, fieldmap.yaml is looked up in
// the working directory and ~/.fieldmap; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fieldmap")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fieldmap"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Connectivity.ProbeURL == "" {
		cfg.Connectivity.ProbeURL = cfg.API.BaseURL
	}
	cfg.ImageStore.Provider = strings.ToLower(strings.TrimSpace(cfg.ImageStore.Provider))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.ImageStore.Provider {
	case ProviderCloudinary, ProviderS3, ProviderMinIO, ProviderR2:
	default:
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("unknown image_store.provider %q", c.ImageStore.Provider))
	}
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrInvalid, "data_dir is required")
	}
	if c.Queue.MaxSize <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "queue.max_size must be positive")
	}
	if c.Queue.RetryInterval < 0 {
		return apperrors.New(apperrors.ErrInvalid, "queue.retry_interval must not be negative")
	}
	if c.Live.Enabled && c.Live.Interval <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "live.interval must be positive")
	}
	if c.Media.MaxDimension < 0 {
		return apperrors.New(apperrors.ErrInvalid, "media.max_dimension must not be negative")
	}
	return nil
}

// RequireUserKey reports an error when no user key is configured.
// Commands that talk to the records service need one.
func (c *Config) RequireUserKey() error {
	if strings.TrimSpace(c.UserKey) == "" {
		return apperrors.New(apperrors.ErrInvalid, "user_key is required (set it in fieldmap.yaml or FIELDMAP_USER_KEY)")
	}
	return nil
}
