// Package tools provides the tool registry and execution framework.
//
// Tools are declared once at startup with their schema, permission
// tags, and handler. The registry filters the visible set per work
// order (by tag tier) and per caller role (by allow-list), and the
// dispatcher routes invocations to handlers without ever letting a
// handler failure propagate past the dispatch boundary.
package tools

import (
	"context"

	"github.com/runefall/foreman/internal/llm"
)

// TagQueryOnly restricts a work order to read and administrative
// tools. State-changing tools are filtered out of the visible set.
const TagQueryOnly = "query-only"

// Result is a handler's answer: the tool-call contract of the loop.
type Result struct {
	OK       bool
	Content  string
	Terminal bool
}

// Handler executes one tool invocation. Returning an error is
// equivalent to returning a failed Result; the dispatcher converts it.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// MutationSpec describes how to derive a mutation record from a
// state-changing tool's arguments.
type MutationSpec struct {
	// TargetType is the object type the tool mutates (e.g. "issue").
	TargetType string
	// TargetArg names the argument carrying the target's identifier.
	TargetArg string
	// Action is the action keyword recorded (e.g. "close", "merge").
	Action string
}

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	// Tags scope visibility; a tool with no tags is always visible.
	Tags []string
	// Mutation marks the tool state-changing and drives audit records.
	Mutation *MutationSpec
	// Terminal tools end the loop when invoked (success or failure marker).
	Terminal bool
	Handler  Handler
}

// Mutating reports whether the tool is state-changing.
func (t *Tool) Mutating() bool { return t.Mutation != nil }

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
	order []string // registration order, for stable schema listings
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Re-registering a name replaces
// the previous tool.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns all tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Filtered returns a new registry holding the intersection of (a) tools
// permitted by the work order's tag tier and (b) the caller role's
// allow-list. A nil allow-list permits every tool; an empty one permits
// none. Terminal tools always survive filtering; a loop that cannot
// call its terminal tools can never end cleanly.
func (r *Registry) Filtered(orderTags []string, allowed []string) *Registry {
	queryOnly := false
	for _, tag := range orderTags {
		if tag == TagQueryOnly {
			queryOnly = true
		}
	}

	var allowSet map[string]bool
	if allowed != nil {
		allowSet = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			allowSet[name] = true
		}
	}

	out := NewRegistry()
	for _, name := range r.order {
		t := r.tools[name]
		if t.Terminal {
			out.Register(t)
			continue
		}
		if queryOnly && t.Mutating() {
			continue
		}
		if allowSet != nil && !allowSet[name] {
			continue
		}
		out.Register(t)
	}
	return out
}

// Schemas returns the tool declarations in the canonical form the
// provider adapters consume.
func (r *Registry) Schemas() []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return schemas
}
