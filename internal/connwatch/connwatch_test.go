package connwatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider stands in for a model provider's Ping: it fails the
// first failures calls, then answers.
type fakeProvider struct {
	failures int64
	calls    atomic.Int64
}

func (p *fakeProvider) Ping(ctx context.Context) error {
	n := p.calls.Add(1)
	if n <= p.failures {
		return fmt.Errorf("connection refused (attempt %d)", n)
	}
	return nil
}

// fastConfig keeps the schedule tight enough for tests.
func fastConfig(name string, probe ProbeFunc) Config {
	return Config{
		Name:         name,
		Probe:        probe,
		StartupDelay: time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
		Logger:       quietLogger(),
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherReadyOnFirstProbe(t *testing.T) {
	m := NewManager(quietLogger())
	defer m.Stop()

	provider := &fakeProvider{}
	w, err := m.Watch(context.Background(), fastConfig("anthropic", provider.Ping))
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	waitFor(t, "watcher ready", w.IsReady)

	s := w.Status()
	if s.Name != "anthropic" || !s.Ready || s.LastError != "" {
		t.Errorf("Status() = %+v", s)
	}
	if s.Checks < 1 {
		t.Errorf("Checks = %d, want at least 1", s.Checks)
	}
}

func TestWatcherRetriesStartupFailures(t *testing.T) {
	m := NewManager(quietLogger())
	defer m.Stop()

	provider := &fakeProvider{failures: 3}
	w, err := m.Watch(context.Background(), fastConfig("openai", provider.Ping))
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	waitFor(t, "watcher ready after retries", w.IsReady)
	if got := provider.calls.Load(); got < 4 {
		t.Errorf("probe calls = %d, want at least 4", got)
	}
}

func TestWatcherReportsOutage(t *testing.T) {
	m := NewManager(quietLogger())
	defer m.Stop()

	var down atomic.Bool
	probe := func(ctx context.Context) error {
		if down.Load() {
			return fmt.Errorf("503 upstream unavailable")
		}
		return nil
	}
	w, err := m.Watch(context.Background(), fastConfig("anthropic", probe))
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	waitFor(t, "initial ready", w.IsReady)
	down.Store(true)
	waitFor(t, "outage detected", func() bool { return !w.IsReady() })

	if s := w.Status(); s.LastError == "" {
		t.Error("Status().LastError should carry the probe error")
	}

	down.Store(false)
	waitFor(t, "recovery detected", w.IsReady)
}

func TestOnChangeFiresOnTransitionsOnly(t *testing.T) {
	m := NewManager(quietLogger())
	defer m.Stop()

	var down atomic.Bool
	probe := func(ctx context.Context) error {
		if down.Load() {
			return fmt.Errorf("unreachable")
		}
		return nil
	}

	var mu sync.Mutex
	var flips []bool
	cfg := fastConfig("mqtt", probe)
	cfg.OnChange = func(ready bool, err error) {
		mu.Lock()
		flips = append(flips, ready)
		mu.Unlock()
	}

	w, err := m.Watch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	waitFor(t, "ready", w.IsReady)
	down.Store(true)
	waitFor(t, "down", func() bool { return !w.IsReady() })
	down.Store(false)
	waitFor(t, "ready again", w.IsReady)

	// Let a few steady polls pass; they must not fire the callback.
	time.Sleep(25 * time.Millisecond)

	mu.Lock()
	got := append([]bool(nil), flips...)
	mu.Unlock()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("OnChange fired %d times (%v), want %v", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("flips[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestProbeTimeoutCancelsSlowProbe(t *testing.T) {
	m := NewManager(quietLogger())
	defer m.Stop()

	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cfg := fastConfig("github", probe)
	cfg.ProbeTimeout = 2 * time.Millisecond

	w, err := m.Watch(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	waitFor(t, "timed-out probe recorded", func() bool {
		return w.Status().Checks >= 1
	})
	if w.IsReady() {
		t.Error("a probe that never answers must not mark the service ready")
	}
}

func TestWatchRejectsBadConfig(t *testing.T) {
	m := NewManager(quietLogger())
	defer m.Stop()

	cases := []struct {
		desc string
		cfg  Config
	}{
		{"missing name", Config{Probe: (&fakeProvider{}).Ping}},
		{"missing probe", Config{Name: "anthropic"}},
	}
	for _, tc := range cases {
		if _, err := m.Watch(context.Background(), tc.cfg); err == nil {
			t.Errorf("%s: Watch() should fail", tc.desc)
		}
	}
}

func TestManagerHealthyAndStatus(t *testing.T) {
	m := NewManager(quietLogger())
	defer m.Stop()

	if !m.Healthy() {
		t.Error("empty manager should be healthy")
	}

	good := &fakeProvider{}
	bad := func(ctx context.Context) error { return fmt.Errorf("401 invalid key") }

	gw, err := m.Watch(context.Background(), fastConfig("anthropic", good.Ping))
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if _, err := m.Watch(context.Background(), fastConfig("openai", bad)); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	waitFor(t, "good provider ready", gw.IsReady)

	if m.Healthy() {
		t.Error("manager with a failing dependency should not be healthy")
	}

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("Status() has %d entries, want 2", len(status))
	}
	if !status["anthropic"].Ready {
		t.Errorf("anthropic = %+v, want ready", status["anthropic"])
	}
	if s := status["openai"]; s.Ready || s.LastError == "" {
		t.Errorf("openai = %+v, want not ready with an error", s)
	}
}

func TestStopHaltsProbing(t *testing.T) {
	m := NewManager(quietLogger())

	provider := &fakeProvider{}
	w, err := m.Watch(context.Background(), fastConfig("anthropic", provider.Ping))
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	waitFor(t, "ready", w.IsReady)

	m.Stop()
	settled := provider.calls.Load()
	time.Sleep(25 * time.Millisecond)
	if got := provider.calls.Load(); got != settled {
		t.Errorf("probes continued after Stop: %d -> %d", settled, got)
	}
}

func TestWatcherContextCancelStopsGoroutine(t *testing.T) {
	m := NewManager(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	provider := &fakeProvider{}
	w, err := m.Watch(ctx, fastConfig("anthropic", provider.Ping))
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	waitFor(t, "ready", w.IsReady)

	cancel()
	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher goroutine did not exit on context cancel")
	}
}
