package tools

import (
	"context"
	"sync"
)

// TaskState is the per-work-order mutable state threaded through tool
// dispatch. It replaces process-wide tracking (e.g. "first sandbox call
// already synced") so concurrent work orders stay independent and
// individually testable.
type TaskState struct {
	OrderID string
	Actor   string
	// Hints lists targets other in-progress orders are touching.
	// Advisory only.
	Hints []string

	mu     sync.Mutex
	synced map[string]bool
}

// NewTaskState creates state for one work order execution.
func NewTaskState(orderID, actor string) *TaskState {
	return &TaskState{
		OrderID: orderID,
		Actor:   actor,
		synced:  make(map[string]bool),
	}
}

// FirstUse reports true exactly once per scope for this task, letting a
// handler run one-time setup (e.g. a sandbox sync) without global state.
func (s *TaskState) FirstUse(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.synced[scope] {
		return false
	}
	s.synced[scope] = true
	return true
}

type contextKey string

const taskStateKey contextKey = "task_state"

// WithState attaches the task state to the context for handlers.
func WithState(ctx context.Context, s *TaskState) context.Context {
	return context.WithValue(ctx, taskStateKey, s)
}

// StateFromContext extracts the task state, or nil if not set.
func StateFromContext(ctx context.Context) *TaskState {
	if s, ok := ctx.Value(taskStateKey).(*TaskState); ok {
		return s
	}
	return nil
}
