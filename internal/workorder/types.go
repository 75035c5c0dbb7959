// Package workorder defines the work-order domain model and its SQLite
// store. A work order is the unit of work the runner executes. The
// runner never mutates status fields directly; all status changes go
// through the store's named transition methods so the database remains
// the single source of truth under concurrent access.
package workorder

import (
	"fmt"
	"strings"
	"time"
)

// Status is the closed set of work-order states.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusReady           Status = "ready"
	StatusInProgress      Status = "in_progress"
	StatusReview          Status = "review"
	StatusDone            Status = "done"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusPendingApproval Status = "pending_approval"
)

// Metadata keys used by the runner. The metadata bag is deliberately
// open-ended; these are the keys the core machinery relies on.
const (
	// MetaModelTier carries the currently-assigned model identifier
	// across suspensions so escalation survives a restart.
	MetaModelTier = "model_tier"
	// MetaRemediationDepth counts remediation hops from the root order.
	MetaRemediationDepth = "remediation_depth"
)

// Criterion is one structured acceptance-criteria item.
type Criterion struct {
	Text string `json:"text"`
	Met  bool   `json:"met"`
}

// WorkOrder is a unit of work executed by the runner.
type WorkOrder struct {
	ID         string            `json:"id"`
	Objective  string            `json:"objective"`
	Criteria   []Criterion       `json:"criteria,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Status     Status            `json:"status"`
	Executor   string            `json:"executor"` // executor role identity
	Metadata   map[string]string `json:"metadata,omitempty"`
	ParentID   string            `json:"parent_id,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Summary    string            `json:"summary,omitempty"` // terminal outcome text
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Meta returns the metadata value for key, or "" when unset.
func (w *WorkOrder) Meta(key string) string {
	if w.Metadata == nil {
		return ""
	}
	return w.Metadata[key]
}

// MutationRecord is the audit entry for one state-changing tool call.
// Records are best-effort: losing one degrades observability but never
// rolls back the underlying side effect.
type MutationRecord struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Tool        string    `json:"tool"`
	TargetType  string    `json:"target_type"`
	TargetID    string    `json:"target_id"`
	Action      string    `json:"action"`
	OK          bool      `json:"ok"`
	ErrorClass  string    `json:"error_class,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	Context     string    `json:"context,omitempty"`
	Actor       string    `json:"actor"`
	CreatedAt   time.Time `json:"created_at"`
}

// FailedOp is a (tool, target, error-class) triple recorded so a
// continuation or remediation run does not repeat known dead ends.
type FailedOp struct {
	Tool       string `json:"tool"`
	Target     string `json:"target"`
	ErrorClass string `json:"error_class"`
}

// Error classes used to group mutation failures. ClassifyError derives
// one from free-form error text.
const (
	ErrClassNotFound   = "not_found"
	ErrClassPermission = "permission"
	ErrClassConflict   = "conflict"
	ErrClassRateLimit  = "rate_limit"
	ErrClassTimeout    = "timeout"
	ErrClassValidation = "validation"
	ErrClassUnknown    = "unknown"
)

// ClassifyError maps free-form error text to an error class.
func ClassifyError(detail string) string {
	s := strings.ToLower(detail)
	switch {
	case s == "":
		return ErrClassUnknown
	case strings.Contains(s, "not found") || strings.Contains(s, "404") || strings.Contains(s, "no such"):
		return ErrClassNotFound
	case strings.Contains(s, "permission") || strings.Contains(s, "forbidden") || strings.Contains(s, "403") || strings.Contains(s, "unauthorized"):
		return ErrClassPermission
	case strings.Contains(s, "conflict") || strings.Contains(s, "409") || strings.Contains(s, "already exists"):
		return ErrClassConflict
	case strings.Contains(s, "rate limit") || strings.Contains(s, "429") || strings.Contains(s, "too many requests"):
		return ErrClassRateLimit
	case strings.Contains(s, "timeout") || strings.Contains(s, "timed out") || strings.Contains(s, "deadline exceeded"):
		return ErrClassTimeout
	case strings.Contains(s, "invalid") || strings.Contains(s, "validation") || strings.Contains(s, "required"):
		return ErrClassValidation
	default:
		return ErrClassUnknown
	}
}

// validTransitions maps each named transition to the statuses it may
// leave from. Direct status writes bypass this table and are not
// exposed by the store.
var validTransitions = map[Status][]Status{
	StatusInProgress: {StatusReady},
	StatusDone:       {StatusInProgress},
	StatusFailed:     {StatusInProgress, StatusReady},
	StatusReview:     {StatusInProgress, StatusFailed},
	StatusReady:      {StatusInProgress, StatusDraft, StatusPendingApproval},
	StatusCancelled:  {StatusDraft, StatusReady, StatusPendingApproval},
}

// canTransition reports whether moving from → to is a legal transition.
func canTransition(from, to Status) bool {
	for _, s := range validTransitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status transition is not legal.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("work order %s: illegal transition %s → %s", e.OrderID, e.From, e.To)
}
