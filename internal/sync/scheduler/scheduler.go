// Package scheduler drives background replay and live reconciliation from
// connectivity transitions and timers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldmap/backend/internal/connectivity"
	"github.com/kimhsiao/fieldmap/backend/internal/errors"
	"github.com/kimhsiao/fieldmap/backend/internal/logging"
	"github.com/kimhsiao/fieldmap/backend/internal/notify"
	syncpkg "github.com/kimhsiao/fieldmap/backend/internal/sync"
)

// Engine is the part of the sync engine the scheduler drives.
type Engine interface {
	ReplayQueue(ctx context.Context) (*syncpkg.ReplayResult, error)
	Reconcile(ctx context.Context) (int, error)
}

// Scheduler replays the queue on every offline to online transition and
// optionally polls the remote collection and retries the queue on timers.
type Scheduler struct {
	engine   Engine
	signal   connectivity.Signal
	notifier notify.Notifier

	liveEnabled   bool
	liveInterval  time.Duration
	retryInterval time.Duration

	stopCh      chan struct{}
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	mu            sync.RWMutex
	isRunning     bool
	wasOnline     bool
	replays       int
	lastReplay    time.Time
	lastReconcile time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	LiveEnabled   bool          // Poll the remote collection for records added elsewhere
	LiveInterval  time.Duration // Poll interval (default: 5 seconds)
	RetryInterval time.Duration // Periodic queue retry while online; 0 disables
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		LiveEnabled:  false,
		LiveInterval: 5 * time.Second,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine Engine, signal connectivity.Signal, notifier notify.Notifier, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.LiveInterval <= 0 {
		config.LiveInterval = DefaultSchedulerConfig().LiveInterval
	}
	if notifier == nil {
		notifier = notify.Nop
	}

	return &Scheduler{
		engine:        engine,
		signal:        signal,
		notifier:      notifier,
		liveEnabled:   config.LiveEnabled,
		liveInterval:  config.LiveInterval,
		retryInterval: config.RetryInterval,
	}
}

// Start subscribes to connectivity and starts the timer loops.
// A queue left over from a previous run is replayed immediately when online.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wasOnline = s.signal.Online()
	startOnline := s.wasOnline
	// Subscribers are called outside the signal's lock, so holding mu here is safe.
	s.unsubscribe = s.signal.Subscribe(func(online bool) {
		s.onConnectivity(runCtx, online)
	})
	s.mu.Unlock()

	if startOnline {
		s.spawn(func() { s.runReplay(runCtx, "startup") })
	}
	if s.liveEnabled {
		s.spawn(func() { s.tickLoop(runCtx, s.liveInterval, s.runReconcile) })
	}
	if s.retryInterval > 0 {
		s.spawn(func() {
			s.tickLoop(runCtx, s.retryInterval, func(ctx context.Context) { s.runReplay(ctx, "retry") })
		})
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"online":         startOnline,
		"live_enabled":   s.liveEnabled,
		"retry_interval": s.retryInterval.String(),
	})
}

// Stop unsubscribes, cancels in-flight work and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	unsubscribe, cancel := s.unsubscribe, s.cancel
	s.unsubscribe, s.cancel = nil, nil
	s.mu.Unlock()

	unsubscribe()
	cancel()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// spawn runs fn on a tracked goroutine unless the scheduler is stopping.
func (s *Scheduler) spawn(fn func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// onConnectivity runs on the signal's goroutine and must not block.
func (s *Scheduler) onConnectivity(ctx context.Context, online bool) {
	s.mu.Lock()
	wasOnline := s.wasOnline
	s.wasOnline = online
	s.mu.Unlock()

	if wasOnline == online {
		return
	}

	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  online,
	})

	msg := "You are offline. Uploads will be saved locally"
	if online {
		msg = "Back online"
	}
	s.notifier.Notify(notify.NewEvent(notify.EventConnectivity, msg, map[string]interface{}{"online": online}))

	if online {
		s.spawn(func() { s.runReplay(ctx, "reconnect") })
	}
}

func (s *Scheduler) tickLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.signal.Online() {
				continue
			}
			fn(ctx)
		}
	}
}

// runReplay executes one replay pass.
func (s *Scheduler) runReplay(ctx context.Context, trigger string) {
	result, err := s.engine.ReplayQueue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.ErrorWithCode("Queue replay failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"trigger": trigger})
		s.notifier.Notify(notify.NewEvent(notify.EventSyncFailed, "Offline uploads could not be synced",
			map[string]interface{}{"error": err.Error()}))
		return
	}

	s.mu.Lock()
	s.replays++
	s.lastReplay = time.Now()
	s.mu.Unlock()

	if result.Attempted > 0 || result.Skipped > 0 {
		logging.Info("Queue replay completed", map[string]interface{}{
			"trigger": trigger,
			"synced":  result.Synced,
			"failed":  result.Failed,
			"skipped": result.Skipped,
		})
	}
}

// runReconcile executes one live reconciliation poll.
func (s *Scheduler) runReconcile(ctx context.Context) {
	added, err := s.engine.Reconcile(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.Warn("Live reconciliation failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	s.mu.Lock()
	s.lastReconcile = time.Now()
	s.mu.Unlock()

	if added > 0 {
		logging.Debug("Live reconciliation added records", map[string]interface{}{"added": added})
	}
}

// TriggerReplay starts a replay pass in the background.
// Returns false if the scheduler is not running.
func (s *Scheduler) TriggerReplay(ctx context.Context) bool {
	if !s.IsRunning() {
		return false
	}
	s.spawn(func() { s.runReplay(ctx, "manual") })
	return true
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning     bool       `json:"running"`
	IsOnline      bool       `json:"online"`
	LiveEnabled   bool       `json:"liveEnabled"`
	Replays       int        `json:"replays"`
	LastReplay    *time.Time `json:"lastReplay,omitempty"`
	LastReconcile *time.Time `json:"lastReconcile,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:   s.isRunning,
		IsOnline:    s.signal.Online(),
		LiveEnabled: s.liveEnabled,
		Replays:     s.replays,
	}
	if !s.lastReplay.IsZero() {
		t := s.lastReplay
		status.LastReplay = &t
	}
	if !s.lastReconcile.IsZero() {
		t := s.lastReconcile
		status.LastReconcile = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
