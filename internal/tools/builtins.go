package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/runefall/foreman/internal/workorder"
)

// Terminal tool names. The loop ends when either is invoked; the name
// distinguishes the success marker from the failure marker.
const (
	ToolCompleteWork = "complete_work"
	ToolFailWork     = "fail_work"
	ToolProgressLog  = "progress_log"
	ToolGetWorkOrder = "get_work_order"
)

// OrderStore is the narrow store surface the builtin tools need.
// Satisfied by workorder.Store.
type OrderStore interface {
	GetOrder(id string) (*workorder.WorkOrder, error)
	AppendLog(orderID, tag string, payload any) error
	LogEntries(orderID, tag string, limit int) ([]json.RawMessage, error)
}

// RegisterBuiltins adds the tools every work order gets regardless of
// tags: the two terminal markers, progress logging, and the work-order
// reader.
func RegisterBuiltins(r *Registry, store OrderStore) {
	r.Register(&Tool{
		Name:        ToolCompleteWork,
		Description: "Mark the work order complete. Call this exactly once, when every acceptance criterion is satisfied. Provide a summary of what was done.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "What was accomplished, in a few sentences",
				},
			},
			"required": []string{"summary"},
		},
		Terminal: true,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			summary, _ := args["summary"].(string)
			if strings.TrimSpace(summary) == "" {
				return nil, fmt.Errorf("summary is required")
			}
			return &Result{OK: true, Content: summary, Terminal: true}, nil
		},
	})

	r.Register(&Tool{
		Name:        ToolFailWork,
		Description: "Mark the work order failed. Call this when the objective cannot be achieved. Provide the specific blocking reason.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Why the objective cannot be achieved",
				},
			},
			"required": []string{"reason"},
		},
		Terminal: true,
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			reason, _ := args["reason"].(string)
			if strings.TrimSpace(reason) == "" {
				return nil, fmt.Errorf("reason is required")
			}
			return &Result{OK: true, Content: reason, Terminal: true}, nil
		},
	})

	r.Register(&Tool{
		Name:        ToolProgressLog,
		Description: "Record a short note about progress made so far. Use after completing a meaningful step; notes survive suspensions and seed the continuation context.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"note": map[string]any{
					"type":        "string",
					"description": "One line describing the step completed",
				},
			},
			"required": []string{"note"},
		},
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			note, _ := args["note"].(string)
			if strings.TrimSpace(note) == "" {
				return nil, fmt.Errorf("note is required")
			}
			state := StateFromContext(ctx)
			if state == nil {
				return nil, fmt.Errorf("no task state in context")
			}
			entry := map[string]string{
				"note": note,
				"at":   time.Now().Format(time.RFC3339),
			}
			if err := store.AppendLog(state.OrderID, workorder.LogTagProgress, entry); err != nil {
				return nil, fmt.Errorf("record progress: %w", err)
			}
			return &Result{OK: true, Content: "noted"}, nil
		},
	})

	r.Register(&Tool{
		Name:        ToolGetWorkOrder,
		Description: "Read the current work order: objective, acceptance criteria, tags, and status.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			state := StateFromContext(ctx)
			if state == nil {
				return nil, fmt.Errorf("no task state in context")
			}
			w, err := store.GetOrder(state.OrderID)
			if err != nil {
				return nil, fmt.Errorf("load work order: %w", err)
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Objective: %s\nStatus: %s\n", w.Objective, w.Status)
			if len(w.Criteria) > 0 {
				b.WriteString("Acceptance criteria:\n")
				for _, c := range w.Criteria {
					mark := " "
					if c.Met {
						mark = "x"
					}
					fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Text)
				}
			}
			if len(w.Tags) > 0 {
				fmt.Fprintf(&b, "Tags: %s\n", strings.Join(w.Tags, ", "))
			}
			// Advisory only, and only on the first read: repeating it
			// every turn trains the model to ignore it.
			if len(state.Hints) > 0 && state.FirstUse("target_hints") {
				b.WriteString("Targets other in-progress orders are touching (coordinate, do not block):\n")
				for _, h := range state.Hints {
					fmt.Fprintf(&b, "- %s\n", h)
				}
			}
			return &Result{OK: true, Content: b.String()}, nil
		},
	})
}
