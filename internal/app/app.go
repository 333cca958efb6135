// Package app wires the sync engine and its collaborators from configuration.
// Both the desktop CLI and the mobile bridge build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kimhsiao/fieldmap/backend/internal/analysis"
	"github.com/kimhsiao/fieldmap/backend/internal/cache"
	"github.com/kimhsiao/fieldmap/backend/internal/config"
	"github.com/kimhsiao/fieldmap/backend/internal/connectivity"
	"github.com/kimhsiao/fieldmap/backend/internal/logging"
	"github.com/kimhsiao/fieldmap/backend/internal/notify"
	"github.com/kimhsiao/fieldmap/backend/internal/parser/media"
	"github.com/kimhsiao/fieldmap/backend/internal/remote"
	"github.com/kimhsiao/fieldmap/backend/internal/remote/s3"
	syncpkg "github.com/kimhsiao/fieldmap/backend/internal/sync"
	"github.com/kimhsiao/fieldmap/backend/internal/sync/queue"
)

// OnlineSignal is a connectivity signal that can also be set by hand.
type OnlineSignal interface {
	connectivity.Signal
	SetOnline(online bool) bool
}

// App holds the running engine and everything it depends on.
type App struct {
	Config   *config.Config
	Queue    *queue.DurableQueue
	Cache    *cache.Cache
	Engine   *syncpkg.Engine
	API      *remote.APIClient
	Signal   OnlineSignal
	Prober   *connectivity.Prober
	Notifier *notify.Multi
}

// Options adjust how New wires connectivity.
type Options struct {
	// ForceOffline disables probing and starts offline.
	ForceOffline bool
}

// New opens the durable queue and builds the engine.
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.RequireUserKey(); err != nil {
		return nil, err
	}

	images, err := NewImageStore(cfg)
	if err != nil {
		return nil, err
	}

	q, err := queue.Open(cfg.DataDir, cfg.Queue.MaxSize)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Queue:    q,
		Cache:    cache.New(),
		API:      remote.NewAPIClient(remote.APIConfig{BaseURL: cfg.API.BaseURL, Timeout: cfg.API.Timeout}),
		Notifier: notify.NewMulti(notify.LogNotifier{}),
	}

	switch {
	case opts.ForceOffline:
		a.Signal = connectivity.NewManual(false)
	case cfg.Connectivity.ProbeEnabled:
		pc := connectivity.ProberConfig{
			URL:              cfg.Connectivity.ProbeURL,
			Interval:         cfg.Connectivity.ProbeInterval,
			Timeout:          cfg.Connectivity.ProbeTimeout,
			FailureThreshold: cfg.Connectivity.FailureThreshold,
		}
		if pc.URL == cfg.API.BaseURL {
			pc.Ping = a.API.Ping
		}
		a.Prober = connectivity.NewProber(pc)
		a.Signal = a.Prober
	default:
		a.Signal = connectivity.NewManual(true)
	}

	deps := syncpkg.Deps{
		Cache:    a.Cache,
		Queue:    q,
		Remote:   remote.Client{Images: images, Geo: a.API, Records: a.API},
		Signal:   a.Signal,
		Notifier: a.Notifier,
		Preparer: media.NewPreparer(cfg.Media.MaxDimension),
	}
	if c := newClassifier(cfg); c != nil {
		deps.Classifier = c
	}

	a.Engine, err = syncpkg.NewEngine(syncpkg.Config{
		UserKey:  cfg.UserKey,
		Classify: deps.Classifier != nil,
	}, deps)
	if err != nil {
		q.Close()
		return nil, err
	}
	return a, nil
}

// CheckOnline probes once when probing is enabled, otherwise reports the
// current manual state.
func (a *App) CheckOnline(ctx context.Context) bool {
	if a.Prober != nil {
		return a.Prober.Check(ctx)
	}
	return a.Signal.Online()
}

// Close releases the queue database.
func (a *App) Close() error {
	return a.Queue.Close()
}

// NewImageStore builds the configured image store.
func NewImageStore(cfg *config.Config) (remote.ImageStore, error) {
	sc := cfg.S3
	switch cfg.ImageStore.Provider {
	case config.ProviderCloudinary:
		return remote.NewCloudinaryStore(remote.CloudinaryConfig{
			CloudName:    cfg.Cloudinary.CloudName,
			UploadPreset: cfg.Cloudinary.UploadPreset,
			Folder:       cfg.Cloudinary.Folder,
			BaseURL:      cfg.Cloudinary.BaseURL,
			Timeout:      cfg.API.Timeout,
		})

	case config.ProviderS3:
		if sc.Bucket == "" {
			return nil, errors.New("s3.bucket is required")
		}
		if sc.Endpoint != "" {
			return remote.NewS3Client(&remote.S3Config{
				Endpoint:       sc.Endpoint,
				BucketName:     sc.Bucket,
				AccessKey:      sc.AccessKey,
				SecretKey:      sc.SecretKey,
				Region:         sc.Region,
				ForcePathStyle: sc.ForcePathStyle,
				KeyPrefix:      sc.KeyPrefix,
				PublicBaseURL:  sc.PublicBaseURL,
			}), nil
		}
		if sc.Region != "" && !s3.IsSupportedAWSRegion(sc.Region) {
			logging.Warn("Unlisted AWS region, using the generic endpoint", map[string]interface{}{
				"region": sc.Region,
				"known":  s3.SupportedAWSRegions(),
			})
		}
		return s3.NewAWSClient(&s3.AWSConfig{
			BucketName:    sc.Bucket,
			AccessKey:     sc.AccessKey,
			SecretKey:     sc.SecretKey,
			Region:        sc.Region,
			KeyPrefix:     sc.KeyPrefix,
			PublicBaseURL: sc.PublicBaseURL,
		}), nil

	case config.ProviderMinIO:
		return s3.NewMinIOClient(&s3.MinIOConfig{
			Endpoint:      sc.Endpoint,
			BucketName:    sc.Bucket,
			AccessKey:     sc.AccessKey,
			SecretKey:     sc.SecretKey,
			UseSSL:        sc.UseSSL,
			KeyPrefix:     sc.KeyPrefix,
			PublicBaseURL: sc.PublicBaseURL,
		})

	case config.ProviderR2:
		return s3.NewR2Client(&s3.R2Config{
			AccountID:     sc.AccountID,
			BucketName:    sc.Bucket,
			AccessKey:     sc.AccessKey,
			SecretKey:     sc.SecretKey,
			KeyPrefix:     sc.KeyPrefix,
			PublicBaseURL: sc.PublicBaseURL,
		})
	}
	return nil, fmt.Errorf("unknown image store provider %q", cfg.ImageStore.Provider)
}

// newClassifier returns nil when classification is disabled or unusable.
func newClassifier(cfg *config.Config) *analysis.Classifier {
	if !cfg.AI.Enabled {
		return nil
	}
	c, err := analysis.NewClassifier(analysis.Config{
		Endpoint:  cfg.AI.Endpoint,
		APIKey:    cfg.AI.APIKey,
		Model:     cfg.AI.Model,
		MaxTokens: cfg.AI.MaxTokens,
		Timeout:   cfg.AI.Timeout,
	})
	if err != nil {
		logging.Warn("Plant classification disabled", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return c
}

// InitLogging configures the global logger from cfg.Log.
func InitLogging(cfg *config.Config) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File == "" {
		logging.Init(os.Stderr, level)
		return
	}
	logging.InitFile(logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}, level)
}
