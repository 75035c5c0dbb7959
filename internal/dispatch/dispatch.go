// Package dispatch drives ready work orders through the runner in
// bounded concurrent waves. Each wave re-polls the ready queue, so
// orders unblocked by a finished dependency are picked up on the next
// poll. The driver also owns the resume trampoline: the runner returns
// after a suspension or escalation, and the driver re-dispatches the
// order until it reaches a terminal status.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/runefall/foreman/internal/config"
	"github.com/runefall/foreman/internal/events"
	"github.com/runefall/foreman/internal/runner"
	"github.com/runefall/foreman/internal/workorder"
)

// RunFunc executes one physical run of a work order. It is the
// runner's Run method in production and a fake in tests.
type RunFunc func(ctx context.Context, orderID string) (*runner.Outcome, error)

// Driver polls the ready queue and executes work orders in waves.
type Driver struct {
	logger *slog.Logger
	store  *workorder.Store
	run    RunFunc
	cfg    config.DispatchConfig
	bus    *events.Bus

	mu       sync.Mutex
	running  bool
	inflight map[string]bool // orderID -> dispatched, not yet terminal
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a driver. bus may be nil.
func New(store *workorder.Store, run RunFunc, cfg config.DispatchConfig,
	bus *events.Bus, logger *slog.Logger) *Driver {

	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WaveSlots <= 0 {
		cfg.WaveSlots = 4
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 30
	}

	return &Driver{
		logger:   logger.With("component", "dispatch"),
		store:    store,
		run:      run,
		cfg:      cfg,
		bus:      bus,
		inflight: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling. It runs an immediate first wave, then re-polls
// on the configured interval until Stop or ctx cancellation.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info("dispatch driver starting",
		"wave_slots", d.cfg.WaveSlots, "poll_interval_sec", d.cfg.PollIntervalSec)

	d.wg.Add(1)
	go d.pollLoop(ctx)
	return nil
}

// Stop halts polling and waits for in-flight runs to return. Runs in
// progress suspend on their own checkpoint budget; Stop does not
// preempt them beyond context cancellation by the caller.
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatch driver stopped")
}

func (d *Driver) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(time.Duration(d.cfg.PollIntervalSec) * time.Second)
	defer ticker.Stop()

	d.RunWave(ctx)
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunWave(ctx)
		}
	}
}

// RunWave pulls up to WaveSlots ready orders and executes them
// concurrently, waiting for the whole wave before returning. Orders
// already in flight from an earlier wave or a detached run are skipped.
func (d *Driver) RunWave(ctx context.Context) {
	queue, err := d.store.ReadyQueue(d.cfg.WaveSlots)
	if err != nil {
		d.logger.Error("ready queue poll failed", "error", err)
		return
	}

	var wave []*workorder.WorkOrder
	d.mu.Lock()
	for _, w := range queue {
		if d.inflight[w.ID] {
			continue
		}
		d.inflight[w.ID] = true
		wave = append(wave, w)
	}
	d.mu.Unlock()

	if len(wave) == 0 {
		return
	}

	d.bus.Publish(events.Event{
		Source: events.SourceWorkOrder,
		Kind:   events.KindWaveStart,
		Data:   map[string]any{"orders": len(wave)},
	})
	d.logger.Info("wave started", "orders", len(wave))

	results := make([]runner.OutcomeStatus, len(wave))
	var waveWG sync.WaitGroup
	for i, w := range wave {
		waveWG.Add(1)
		go func(i int, id string) {
			defer waveWG.Done()
			defer d.release(id)
			results[i] = d.runToTerminal(ctx, id)
		}(i, w.ID)
	}
	waveWG.Wait()

	byStatus := make(map[string]int)
	for _, s := range results {
		byStatus[string(s)]++
	}
	d.bus.Publish(events.Event{
		Source: events.SourceWorkOrder,
		Kind:   events.KindWaveComplete,
		Data:   map[string]any{"orders": len(wave), "outcomes": byStatus},
	})
	d.logger.Info("wave complete", "orders", len(wave), "outcomes", byStatus)
}

// RunDetached executes one order in the background, outside the wave
// cycle. Used by the API server so a POST returns immediately.
// Returns false if the order is already in flight.
func (d *Driver) RunDetached(ctx context.Context, orderID string) bool {
	d.mu.Lock()
	if d.inflight[orderID] {
		d.mu.Unlock()
		return false
	}
	d.inflight[orderID] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(orderID)
		d.runToTerminal(ctx, orderID)
	}()
	return true
}

// runToTerminal is the trampoline. The runner never re-invokes itself
// after a suspension; it hands back a resume token and this loop
// re-dispatches until the order completes, fails, or the context ends.
func (d *Driver) runToTerminal(ctx context.Context, orderID string) runner.OutcomeStatus {
	for {
		out, err := d.run(ctx, orderID)
		if err != nil {
			d.logger.Error("run failed", "order", orderID, "error", err)
			return runner.OutcomeFailed
		}

		switch out.Status {
		case runner.OutcomeSuspended:
			d.logger.Info("resuming after suspension", "order", orderID, "turns", out.Turns)
		case runner.OutcomeEscalated:
			d.logger.Info("resuming at higher tier", "order", orderID, "tier", out.NewTier)
		default:
			return out.Status
		}

		if ctx.Err() != nil {
			// Checkpoint is already durable; a later wave resumes it.
			d.logger.Info("trampoline interrupted", "order", orderID)
			return runner.OutcomeSuspended
		}
		orderID = out.ResumeToken
	}
}

func (d *Driver) release(orderID string) {
	d.mu.Lock()
	delete(d.inflight, orderID)
	d.mu.Unlock()
}

// Stats returns driver statistics.
func (d *Driver) Stats() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	return map[string]any{
		"running":    d.running,
		"inflight":   len(d.inflight),
		"wave_slots": d.cfg.WaveSlots,
	}
}
