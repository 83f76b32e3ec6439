// Package connwatch monitors the health of long-lived connections to
// MCP servers.
//
// This is distinct from the per-request retry in the mcp package, which
// rides out a transient failure inside a single call. connwatch handles
// outages that outlast a call: server restarts, crashed subprocesses,
// and network partitions.
//
// Each Watcher probes a single server in a loop. A healthy server is
// probed every PollInterval. After a failure the next probe follows the
// retry policy's backoff schedule (500ms, 1s, 2s, ... capped at
// MaxBackoff), so a server that went away is reconnected quickly but
// not hammered.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/thane-mcp/internal/retry"
)

// ProbeFunc checks whether a server is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Default intervals applied to zero-value WatcherConfig fields.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "files").
	Name string

	// Probe checks health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff schedules probes after consecutive failures. Only the
	// delay fields are used; the watcher never gives up.
	Backoff retry.Policy

	// PollInterval is the delay between probes while healthy.
	PollInterval time.Duration

	// ProbeTimeout limits how long each individual probe call may take.
	ProbeTimeout time.Duration

	// OnDown is called when the server transitions from ready to not-ready.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health status of a watched server, suitable for
// JSON serialization.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"failures"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single server's health.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	failures  int
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits (context cancelled or Stop called).
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run probes immediately, then waits PollInterval after a success or
// the backoff delay after a failure.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		failures := w.recordResult(err)
		wasReady := w.ready.Load()

		switch {
		case err == nil && !wasReady:
			w.ready.Store(true)
			logger.Info("MCP server healthy", "mcp_server", w.config.Name)
		case err != nil && wasReady:
			w.ready.Store(false)
			logger.Warn("MCP server became unreachable",
				"mcp_server", w.config.Name,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case err != nil:
			logger.Debug("MCP server still unreachable",
				"mcp_server", w.config.Name,
				"failures", failures,
				"error", err,
			)
		}

		wait := w.config.PollInterval
		if err != nil {
			// Delay(n+1) is the wait after the n-th failed attempt.
			wait = w.config.Backoff.Delay(failures + 1)
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome and returns the number of
// consecutive failures.
func (w *Watcher) recordResult(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err == nil {
		w.failures = 0
	} else {
		w.failures++
	}
	return w.failures
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates watchers for a set of servers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. The watcher runs in a
// background goroutine until ctx is cancelled or Stop is called. A
// watcher already registered under the same name is stopped first.
//
// Panics if Name is empty or Probe is nil. Zero-value durations and
// backoff fields are replaced with defaults.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)

	return w
}

// Get returns the watcher registered under name, or nil.
func (m *Manager) Get(name string) *Watcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watchers[name]
}

// Status returns the health status of all watched servers.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
