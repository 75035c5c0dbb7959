// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (turn loop, dispatcher,
// batch driver) to subscribers (WebSocket handler, MQTT publisher). The
// bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceRunner identifies events from the turn loop.
	SourceRunner = "runner"
	// SourceDispatcher identifies events from tool dispatch.
	SourceDispatcher = "dispatcher"
	// SourceWorkOrder identifies work-order lifecycle events.
	SourceWorkOrder = "workorder"
	// SourceDriver identifies events from the wave batch driver.
	SourceDriver = "driver"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of a work-order run.
	// Data: order_id, model, resumed.
	KindRunStart = "run_start"
	// KindTurn signals one completed loop iteration.
	// Data: order_id, turn, stop_reason, tokens_in, tokens_out.
	KindTurn = "turn"
	// KindToolResult signals completion of one tool dispatch.
	// Data: order_id, tool, ok, mutating.
	KindToolResult = "tool_result"
	// KindCheckpoint signals the loop suspended on the time budget.
	// Data: order_id, checkpoint_count, turns.
	KindCheckpoint = "checkpoint"
	// KindEscalated signals a model-tier escalation.
	// Data: order_id, from_tier, to_tier.
	KindEscalated = "escalated"
	// KindRunComplete signals a terminal outcome.
	// Data: order_id, status, turns, elapsed_ms.
	KindRunComplete = "run_complete"

	// KindWaveStart signals the batch driver started a wave.
	// Data: wave, orders.
	KindWaveStart = "wave_start"
	// KindWaveComplete signals a wave finished.
	// Data: wave, orders, elapsed_ms.
	KindWaveComplete = "wave_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
