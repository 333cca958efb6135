// Package connectivity reports whether the remote service is reachable and
// publishes transitions.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/fieldmap/backend/internal/logging"
)

// Signal is a boolean online state plus change notifications.
type Signal interface {
	Online() bool
	// Subscribe registers fn for state changes. fn runs on the goroutine
	// that changed the state and must not block.
	Subscribe(fn func(online bool)) (cancel func())
}

// Manual is a Signal whose state is set explicitly.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewManual creates a Manual signal with an initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]func(bool))}
}

// Online returns the current state.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and notifies subscribers if it changed.
func (m *Manual) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Subscribe implements Signal.
func (m *Manual) Subscribe(fn func(bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// ProberConfig configures an HTTP reachability probe.
type ProberConfig struct {
	URL      string
	Interval time.Duration
	Timeout  time.Duration
	// FailureThreshold is how many consecutive failed probes flip the state
	// to offline. A single success flips it back online.
	FailureThreshold int
	// Ping replaces the HEAD request against URL when set.
	Ping func(ctx context.Context) error
}

// Prober derives the online state from periodic HTTP probes.
type Prober struct {
	*Manual
	config ProberConfig
	client *http.Client

	probeMu  sync.Mutex // guards failures
	failures int
}

// NewProber creates a prober. The initial state is online until probes say otherwise.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	p := &Prober{
		Manual: NewManual(true),
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if p.config.Ping == nil {
		p.config.Ping = p.head
	}
	return p
}

func (p *Prober) head(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.config.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Check runs one probe and updates the state. Any HTTP response counts as
// reachable; only transport failures count against it.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	err := p.config.Ping(ctx)
	cancel()

	p.probeMu.Lock()
	defer p.probeMu.Unlock()

	if err == nil {
		p.failures = 0
		p.SetOnline(true)
		return true
	}

	p.failures++
	logging.Debug("Connectivity probe failed", map[string]interface{}{
		"url":      p.config.URL,
		"failures": p.failures,
		"error":    err.Error(),
	})
	if p.failures >= p.config.FailureThreshold {
		p.SetOnline(false)
	}
	return p.Online()
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
