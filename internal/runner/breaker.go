package runner

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/runefall/foreman/internal/config"
	"github.com/runefall/foreman/internal/workorder"
)

// Verdict is the circuit breaker's resume decision.
type Verdict string

const (
	// VerdictContinue means progress is real; resume the loop.
	VerdictContinue Verdict = "continue"
	// VerdictStuck means repeated suspensions with no new successful
	// mutations; escalate or fail.
	VerdictStuck Verdict = "stuck"
	// VerdictHardCap means the checkpoint hard cap was reached; the
	// order fails regardless of progress.
	VerdictHardCap Verdict = "hard_cap"
)

// Breaker turns repeated non-progress into escalate-or-fail. It never
// retries indefinitely: the checkpoint hard cap and the remediation
// depth cap bound the total cost of one root order.
type Breaker struct {
	store  *workorder.Store
	ladder workorder.Ladder
	cfg    config.RunnerConfig
	logger *slog.Logger
}

// NewBreaker creates a circuit breaker.
func NewBreaker(store *workorder.Store, ladder workorder.Ladder, cfg config.RunnerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		store:  store,
		ladder: ladder,
		cfg:    cfg,
		logger: logger.With("component", "breaker"),
	}
}

// Assess decides whether a resume may proceed. checkpoints is the
// order's total checkpoint count; last is the most recent checkpoint
// (nil when none exists). Progress is real when the current successful
// mutation count strictly exceeds the count recorded at the last
// checkpoint; real progress continues past the stable threshold but
// never past the hard cap.
func (b *Breaker) Assess(orderID string, checkpoints int, last *Checkpoint) (Verdict, error) {
	if checkpoints >= b.cfg.HardCapCheckpoints {
		return VerdictHardCap, nil
	}
	if checkpoints < b.cfg.StableCheckpoints {
		return VerdictContinue, nil
	}

	current, _, err := b.store.MutationCounts(orderID)
	if err != nil {
		return VerdictStuck, fmt.Errorf("mutation counts: %w", err)
	}
	previous := 0
	if last != nil {
		previous = last.MutationsOK
	}

	if current > previous {
		b.logger.Info("breaker: progress since last checkpoint",
			"order", orderID, "current", current, "previous", previous)
		return VerdictContinue, nil
	}

	b.logger.Warn("breaker: no progress since last checkpoint",
		"order", orderID, "checkpoints", checkpoints, "mutations", current)
	return VerdictStuck, nil
}

// Escalate attempts to move the order to the next model tier. On
// success the order's checkpoint history is cleared and it returns to
// the ready queue for re-dispatch; the escalated model gets a fresh
// run. Returns the new tier, or ok=false when no higher tier exists.
func (b *Breaker) Escalate(w *workorder.WorkOrder) (string, bool, error) {
	current, ok := b.ladder.CurrentTier(w)
	if !ok {
		return "", false, nil
	}
	next, ok := b.ladder.NextTier(w.Executor, current)
	if !ok {
		if b.ladder.MaxTier(w.Executor, current) {
			b.logger.Info("already at top model tier", "order", w.ID, "tier", current)
		} else {
			b.logger.Warn("tier not on executor's ladder, cannot escalate",
				"order", w.ID, "executor", w.Executor, "tier", current)
		}
		return "", false, nil
	}

	if err := b.store.Escalate(w.ID, next); err != nil {
		return "", false, fmt.Errorf("escalate: %w", err)
	}
	b.logger.Info("escalated to higher model tier",
		"order", w.ID, "from", current, "to", next)
	return next, true, nil
}

// FailAndRemediate marks the order failed and spawns a remediation
// order inheriting the objective, the completed and failed operations
// with alternative-approach suggestions, and the acceptance-criteria
// status. Beyond the remediation depth cap the failure routes to human
// review instead. Returns the remediation order, or nil when review
// was chosen.
func (b *Breaker) FailAndRemediate(w *workorder.WorkOrder, reason string) (*workorder.WorkOrder, error) {
	if err := b.store.Fail(w.ID, reason); err != nil {
		return nil, fmt.Errorf("fail order: %w", err)
	}

	depth := 0
	if v := w.Meta(workorder.MetaRemediationDepth); v != "" {
		depth, _ = strconv.Atoi(v)
	}
	if depth >= b.cfg.RemediationDepth {
		if err := b.store.MarkReview(w.ID, fmt.Sprintf(
			"remediation depth %d exhausted: %s", depth, reason)); err != nil {
			return nil, fmt.Errorf("mark review: %w", err)
		}
		b.logger.Warn("remediation depth exhausted, routed to human review",
			"order", w.ID, "depth", depth)
		return nil, nil
	}

	objective, err := b.remediationObjective(w, reason)
	if err != nil {
		return nil, err
	}

	rem := &workorder.WorkOrder{
		Objective: objective,
		Criteria:  w.Criteria,
		Tags:      w.Tags,
		Status:    workorder.StatusReady,
		Executor:  w.Executor,
		ParentID:  w.ID,
		Metadata: map[string]string{
			workorder.MetaRemediationDepth: strconv.Itoa(depth + 1),
		},
	}
	if err := b.store.CreateOrder(rem); err != nil {
		return nil, fmt.Errorf("create remediation order: %w", err)
	}

	b.logger.Info("remediation order created",
		"order", w.ID, "remediation", rem.ID, "depth", depth+1)
	return rem, nil
}

// remediationObjective builds the follow-up objective: the original
// goal plus what already succeeded, what failed, and a suggested
// alternative per failure class.
func (b *Breaker) remediationObjective(w *workorder.WorkOrder, reason string) (string, error) {
	succeeded, err := b.store.SucceededOps(w.ID, 10)
	if err != nil {
		return "", fmt.Errorf("succeeded ops: %w", err)
	}
	failed, err := b.store.FailedOps(w.ID)
	if err != nil {
		return "", fmt.Errorf("failed ops: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Remediate a failed work order. Original objective:\n%s\n\n", w.Objective)
	fmt.Fprintf(&sb, "The previous attempt failed: %s\n", reason)

	if len(succeeded) > 0 {
		sb.WriteString("\nAlready completed (do not redo):\n")
		for _, op := range succeeded {
			fmt.Fprintf(&sb, "- %s\n", op)
		}
	}
	if len(failed) > 0 {
		sb.WriteString("\nFailed operations and suggested alternatives:\n")
		for _, op := range failed {
			fmt.Fprintf(&sb, "- %s on %s (%s): %s\n",
				op.Tool, op.Target, op.ErrorClass, suggestedApproach(op.ErrorClass))
		}
	}
	return sb.String(), nil
}

// suggestedApproach maps an error class to an alternative-approach hint
// for the remediation executor.
func suggestedApproach(errClass string) string {
	switch errClass {
	case workorder.ErrClassNotFound:
		return "verify the target still exists, or search for its replacement first"
	case workorder.ErrClassPermission:
		return "pick a target within current permissions, or flag the access gap in the summary"
	case workorder.ErrClassConflict:
		return "fetch the latest state and reapply the change on top of it"
	case workorder.ErrClassRateLimit:
		return "batch the operations or spread them over more turns"
	case workorder.ErrClassTimeout:
		return "split the operation into smaller steps"
	case workorder.ErrClassValidation:
		return "re-read the tool schema and correct the arguments"
	default:
		return "try a different tool or approach for this target"
	}
}
