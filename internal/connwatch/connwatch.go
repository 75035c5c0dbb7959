// Package connwatch tracks the reachability of foreman's external
// dependencies: the model providers, the MQTT broker, GitHub. Each
// watcher probes one dependency on a doubling startup schedule and
// then at a steady poll interval, and the Manager aggregates the
// results for the health endpoint.
//
// This is separate from the runner's in-place retry, which covers
// transient errors inside a single model call. connwatch covers
// multi-minute outages: a down provider degrades /health but never
// blocks the daemon.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Schedule defaults. The startup delay doubles per failed probe until
// it reaches the poll interval, which is also the steady-state period.
const (
	defaultStartupDelay = 2 * time.Second
	defaultPollInterval = 60 * time.Second
	defaultProbeTimeout = 10 * time.Second
)

// ProbeFunc checks one dependency. A nil return means reachable. Must
// be safe for concurrent use; providers pass their Ping method.
type ProbeFunc func(ctx context.Context) error

// Config describes one watched dependency.
type Config struct {
	// Name identifies the dependency in logs and /health ("anthropic",
	// "openai", "mqtt"). Required.
	Name string

	// Probe is the reachability check. Required.
	Probe ProbeFunc

	// StartupDelay is the first retry delay; it doubles per failure up
	// to PollInterval. Zero means 2s.
	StartupDelay time.Duration

	// PollInterval is the steady-state probe period and the backoff
	// ceiling. Zero means 60s.
	PollInterval time.Duration

	// ProbeTimeout bounds each individual probe call. Zero means 10s.
	ProbeTimeout time.Duration

	// OnChange fires on every ready/not-ready transition, in its own
	// goroutine. err is nil when the transition is to ready. Optional.
	OnChange func(ready bool, err error)

	Logger *slog.Logger
}

// ServiceStatus is one dependency's health, shaped for the /health
// response body.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single dependency until its context is cancelled.
type Watcher struct {
	cfg    Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	checks    int
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the dependency answered its latest probe.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// Status snapshots the watcher's current health.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		Checks:    w.checks,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run probes immediately, then sleeps per the schedule: doubling
// delays while probes fail, the poll interval once one succeeds or
// once the delay has grown to it.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.cfg.StartupDelay
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)
		w.transition(err)

		wait := delay
		if err == nil || delay >= w.cfg.PollInterval {
			wait = w.cfg.PollInterval
		} else {
			delay *= 2
			if delay > w.cfg.PollInterval {
				delay = w.cfg.PollInterval
			}
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// check runs one probe under the configured timeout.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.checks++
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// transition updates the ready flag and fires OnChange when the state
// actually flipped. Steady states log at debug only.
func (w *Watcher) transition(err error) {
	ready := err == nil
	if ready == w.ready.Load() {
		if !ready {
			w.cfg.Logger.Debug("dependency still unreachable",
				"service", w.cfg.Name, "error", err)
		}
		return
	}
	w.ready.Store(ready)

	if ready {
		w.cfg.Logger.Info("dependency reachable", "service", w.cfg.Name)
	} else {
		w.cfg.Logger.Warn("dependency unreachable", "service", w.cfg.Name, "error", err)
	}
	if w.cfg.OnChange != nil {
		go w.cfg.OnChange(ready, err)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled; false means cancelled.
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

// Manager owns the daemon's set of watchers.
type Manager struct {
	mu       sync.Mutex
	watchers []*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Watch validates cfg, fills schedule defaults, and starts a watcher
// goroutine that runs until ctx is cancelled or Stop is called.
func (m *Manager) Watch(ctx context.Context, cfg Config) (*Watcher, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("connwatch: config needs a name")
	}
	if cfg.Probe == nil {
		return nil, fmt.Errorf("connwatch: %s: config needs a probe", cfg.Name)
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = defaultStartupDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()
	return w, nil
}

// Healthy reports whether every watched dependency is ready. True
// with no watchers: nothing configured means nothing degraded.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.watchers {
		if !w.ready.Load() {
			return false
		}
	}
	return true
}

// Status returns the health of every watched dependency, keyed by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for _, w := range m.watchers {
		status[w.cfg.Name] = w.Status()
	}
	return status
}

// Stop shuts down every watcher and waits for their goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := append([]*Watcher(nil), m.watchers...)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
