// Package main is the mobile bridge. It builds as a C shared library
// (libfieldmap.so on Android, fieldmap.framework on iOS) and exposes the
// sync engine to the app shell as JSON-returning calls.
package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kimhsiao/fieldmap/backend/internal/app"
	"github.com/kimhsiao/fieldmap/backend/internal/config"
	apperrors "github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/logging"
	"github.com/kimhsiao/fieldmap/backend/internal/models"
	"github.com/kimhsiao/fieldmap/backend/internal/notify"
	syncpkg "github.com/kimhsiao/fieldmap/backend/internal/sync"
	"github.com/kimhsiao/fieldmap/backend/internal/sync/scheduler"
)

// maxBufferedEvents bounds the events kept between two polls.
const maxBufferedEvents = 256

// eventBuffer keeps engine events until the shell polls for them.
type eventBuffer struct {
	mu     sync.Mutex
	events []notify.Event
}

func (b *eventBuffer) Notify(e notify.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == maxBufferedEvents {
		b.events = b.events[1:]
	}
	b.events = append(b.events, e)
}

func (b *eventBuffer) drain() []notify.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	if out == nil {
		out = []notify.Event{}
	}
	return out
}

// bridge owns the engine for the lifetime of the library.
type bridge struct {
	mu     sync.Mutex
	app    *app.App
	sched  *scheduler.Scheduler
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events *eventBuffer
}

var (
	core    = &bridge{}
	lastErr string
	lastMu  sync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if err == nil {
		lastErr = ""
		return
	}
	lastErr = err.Error()
}

func getLastError() string {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return lastErr
}

// start loads configuration, restores queued uploads and starts the
// scheduler. Calling it twice without stop is an error.
func (b *bridge) start(configPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.app != nil {
		return apperrors.New(apperrors.ErrInvalid, "bridge already initialized")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	app.InitLogging(cfg)

	a, err := app.New(cfg, app.Options{})
	if err != nil {
		return err
	}

	b.events = &eventBuffer{}
	a.Notifier.Add(b.events)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if n, err := a.Engine.Restore(b.ctx); err != nil {
		logging.Error("Failed to restore queued plants", err)
	} else if n > 0 {
		logging.Info("Queued plants restored", map[string]interface{}{"count": n})
	}
	if a.CheckOnline(b.ctx) {
		if _, err := a.Engine.Refresh(b.ctx); err != nil {
			logging.Warn("Initial refresh failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if a.Prober != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			a.Prober.Run(b.ctx)
		}()
	}

	b.sched = scheduler.NewScheduler(a.Engine, a.Signal, a.Notifier, &scheduler.SchedulerConfig{
		LiveEnabled:   cfg.Live.Enabled,
		LiveInterval:  cfg.Live.Interval,
		RetryInterval: cfg.Queue.RetryInterval,
	})
	b.sched.Start(b.ctx)

	b.app = a
	logging.Info("Mobile bridge started", map[string]interface{}{"data_dir": cfg.DataDir})
	return nil
}

// stop halts background work and closes the queue. It is safe to call
// when the bridge is not running.
func (b *bridge) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.app == nil {
		return
	}
	b.sched.Stop()
	b.cancel()
	b.wg.Wait()
	if err := b.app.Close(); err != nil {
		logging.Error("Failed to close queue", err)
	}
	b.app = nil
	b.sched = nil
}

func (b *bridge) running() (*app.App, context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, nil, apperrors.New(apperrors.ErrInvalid, "bridge not initialized")
	}
	return b.app, b.ctx, nil
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to serialize", err)
	}
	return string(data), nil
}

// submit uploads one photo. annotationsJSON may be empty.
func (b *bridge) submit(imageName string, image []byte, annotationsJSON string) (string, error) {
	a, ctx, err := b.running()
	if err != nil {
		return "", err
	}

	var ann models.Annotations
	if annotationsJSON != "" {
		if err := json.Unmarshal([]byte(annotationsJSON), &ann); err != nil {
			return "", apperrors.Wrap(apperrors.ErrValidation, "invalid annotations", err)
		}
		if _, err := models.ParseHealthState(string(ann.HealthState)); err != nil {
			return "", apperrors.Wrap(apperrors.ErrValidation, "invalid annotations", err)
		}
	}

	res, err := a.Engine.SubmitUpload(ctx, syncpkg.UploadRequest{
		ImageName:   imageName,
		Image:       image,
		Annotations: ann,
	})
	if err != nil {
		return "", err
	}
	return marshal(res)
}

func (b *bridge) listPlants() (string, error) {
	a, _, err := b.running()
	if err != nil {
		return "", err
	}
	return marshal(a.Cache.SelectAll())
}

func (b *bridge) replay() (string, error) {
	a, ctx, err := b.running()
	if err != nil {
		return "", err
	}
	if !a.Signal.Online() {
		return "", apperrors.New(apperrors.ErrOffline, "device is offline")
	}
	res, err := a.Engine.ReplayQueue(ctx)
	if err != nil {
		return "", err
	}
	return marshal(res)
}

func (b *bridge) refresh() (string, error) {
	a, ctx, err := b.running()
	if err != nil {
		return "", err
	}
	n, err := a.Engine.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return marshal(map[string]int{"fetched": n})
}

func (b *bridge) retry(jobID string) (string, error) {
	a, ctx, err := b.running()
	if err != nil {
		return "", err
	}
	rec, err := a.Engine.RetryJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return marshal(rec)
}

// setOnline forwards the platform's reachability callback.
func (b *bridge) setOnline(online bool) (string, error) {
	a, _, err := b.running()
	if err != nil {
		return "", err
	}
	changed := a.Signal.SetOnline(online)
	return marshal(map[string]bool{"online": online, "changed": changed})
}

func (b *bridge) status() (string, error) {
	a, ctx, err := b.running()
	if err != nil {
		return "", err
	}
	st, err := a.Engine.Status(ctx)
	if err != nil {
		return "", err
	}
	return marshal(st)
}

// pollEvents returns and clears the events buffered since the last poll.
func (b *bridge) pollEvents() (string, error) {
	if _, _, err := b.running(); err != nil {
		return "", err
	}
	return marshal(b.events.drain())
}

func main() {}
