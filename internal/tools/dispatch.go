package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/runefall/foreman/internal/llm"
	"github.com/runefall/foreman/internal/workorder"
)

// Mutation-record writes retry a few times with short backoff, then
// give up: the audit trail is best-effort, never a correctness
// dependency.
const (
	recordRetries = 3
	recordBackoff = 250 * time.Millisecond
)

// MutationStore persists mutation records. Satisfied by workorder.Store.
type MutationStore interface {
	RecordMutation(*workorder.MutationRecord) error
}

// Dispatched is the outcome of one tool invocation: the result to feed
// back to the model plus the classification the loop needs for stall
// detection and terminal handling.
type Dispatched struct {
	Result   llm.ToolResult
	Mutating bool
	Terminal bool
}

// Dispatcher routes tool invocations to handlers. It guarantees that a
// handler failure (error or panic) surfaces as a failed tool result,
// never as a crash, so the invocation/result pairing invariant holds.
type Dispatcher struct {
	registry *Registry
	store    MutationStore
	proxy    *Proxy
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given (already filtered)
// registry. proxy may be nil.
func NewDispatcher(registry *Registry, store MutationStore, proxy *Proxy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		proxy:    proxy,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Registry returns the dispatcher's effective registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch executes one tool call on behalf of the given task state.
func (d *Dispatcher) Dispatch(ctx context.Context, call llm.ToolCall, state *TaskState) Dispatched {
	tool := d.registry.Get(call.Name)
	if tool == nil {
		err := &ErrToolUnavailable{ToolName: call.Name}
		d.logger.Warn("tool not available", "tool", call.Name, "order", state.OrderID)
		return Dispatched{Result: llm.ToolResult{
			CallID:  call.ID,
			OK:      false,
			Content: err.Error(),
		}}
	}

	start := time.Now()
	res := d.execute(ctx, tool, call, state)

	if tool.Mutating() {
		d.recordMutation(tool, call, state, res)
	}

	d.logger.Debug("tool dispatched",
		"tool", call.Name,
		"order", state.OrderID,
		"ok", res.OK,
		"terminal", res.Terminal || tool.Terminal,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return Dispatched{
		Result: llm.ToolResult{
			CallID:  call.ID,
			OK:      res.OK,
			Content: res.Content,
		},
		Mutating: tool.Mutating(),
		Terminal: tool.Terminal || res.Terminal,
	}
}

// execute runs the handler, trying the proxy first for rerouted tools.
// The caller never observes which path ran except through latency.
func (d *Dispatcher) execute(ctx context.Context, tool *Tool, call llm.ToolCall, state *TaskState) *Result {
	if d.proxy.Handles(tool.Name) {
		res, err := d.proxy.Call(ctx, state.OrderID, call)
		if err == nil {
			return res
		}
		d.logger.Warn("proxy call failed, falling back to local execution",
			"tool", tool.Name, "order", state.OrderID, "error", err)
	}
	return d.executeLocal(ctx, tool, call, state)
}

// executeLocal invokes the handler with panic recovery. Any panic or
// error becomes a failed result.
func (d *Dispatcher) executeLocal(ctx context.Context, tool *Tool, call llm.ToolCall, state *TaskState) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked", "tool", tool.Name, "panic", r)
			res = &Result{OK: false, Content: fmt.Sprintf("dispatch exception: %v", r)}
		}
	}()

	out, err := tool.Handler(WithState(ctx, state), call.Arguments)
	if err != nil {
		return &Result{OK: false, Content: err.Error()}
	}
	if out == nil {
		return &Result{OK: false, Content: "dispatch exception: handler returned no result"}
	}
	return out
}

// recordMutation writes the audit record for a state-changing call with
// bounded retry. Failure to record degrades observability only; it
// never aborts the dispatch.
func (d *Dispatcher) recordMutation(tool *Tool, call llm.ToolCall, state *TaskState, res *Result) {
	if d.store == nil {
		return
	}

	spec := tool.Mutation
	targetID := ""
	if spec.TargetArg != "" {
		targetID = argString(call.Arguments, spec.TargetArg)
	}

	rec := &workorder.MutationRecord{
		OrderID:    state.OrderID,
		Tool:       tool.Name,
		TargetType: spec.TargetType,
		TargetID:   targetID,
		Action:     spec.Action,
		OK:         res.OK,
		Actor:      state.Actor,
	}
	if !res.OK {
		rec.ErrorDetail = res.Content
		rec.ErrorClass = workorder.ClassifyError(res.Content)
	}

	var err error
	for attempt := 0; attempt <= recordRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(recordBackoff)
		}
		if err = d.store.RecordMutation(rec); err == nil {
			return
		}
	}
	d.logger.Warn("mutation record dropped after retries",
		"tool", tool.Name, "order", state.OrderID, "error", err)
}

// argString extracts a string-ish argument value.
func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
