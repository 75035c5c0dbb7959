package runner

import (
	"fmt"
	"strings"

	"github.com/runefall/foreman/internal/tools"
	"github.com/runefall/foreman/internal/workorder"
)

// systemPrompt frames every run. Tool schemas carry the operational
// detail; this stays short so it survives any model tier.
const systemPrompt = `You are an autonomous work-order executor. Work strictly toward the
stated objective using the available tools. Rules:
- Verify state with read tools before changing it.
- After each meaningful step, record it with progress_log.
- Never repeat an operation listed as a known dead end.
- When every acceptance criterion is satisfied, call complete_work with
  a summary. If the objective is impossible, call fail_work with the
  specific blocking reason. One of the two must end your work.`

// taskPrompt renders the opening environment turn for a fresh run.
func taskPrompt(w *workorder.WorkOrder, hints []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work order %s\n\nObjective:\n%s\n", w.ID, w.Objective)

	if len(w.Criteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range w.Criteria {
			mark := " "
			if c.Met {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Text)
		}
	}
	if len(hints) > 0 {
		b.WriteString("\nOther work orders are currently touching these targets; avoid them if possible:\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	return b.String()
}

// continuationPrompt rebuilds context for a resumed run from the latest
// checkpoint instead of raw history.
func continuationPrompt(w *workorder.WorkOrder, cp *Checkpoint, hints []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work order %s (resumed after suspension %d turns in)\n\nObjective:\n%s\n",
		w.ID, cp.TurnsCompleted, w.Objective)

	if len(w.Criteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range w.Criteria {
			mark := " "
			if c.Met {
				mark = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", mark, c.Text)
		}
	}

	if len(cp.Accomplishments) > 0 {
		b.WriteString("\nAlready accomplished (do not redo):\n")
		for _, a := range cp.Accomplishments {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}

	fmt.Fprintf(&b, "\nMutation record so far: %d succeeded, %d failed",
		cp.MutationsOK, cp.MutationsFailed)
	if len(cp.FailuresByClass) > 0 {
		parts := make([]string, 0, len(cp.FailuresByClass))
		for class, n := range cp.FailuresByClass {
			parts = append(parts, fmt.Sprintf("%s x%d", class, n))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	b.WriteString("\n")

	if len(cp.DoNotRetry) > 0 {
		b.WriteString("\nKnown dead ends, do not retry:\n")
		for _, op := range cp.DoNotRetry {
			fmt.Fprintf(&b, "- %s on %s (%s)\n", op.Tool, op.Target, op.ErrorClass)
		}
	}
	if len(cp.Tail) > 0 {
		fmt.Fprintf(&b, "\nMost recent tool outcomes: %s\n", strings.Join(cp.Tail, ", "))
	}
	if len(hints) > 0 {
		b.WriteString("\nOther work orders are currently touching these targets; avoid them if possible:\n")
		for _, h := range hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	b.WriteString("\nContinue from here toward the objective.")
	return b.String()
}

// nudgeTerminal is injected when the model stops without a tool call
// and there is no sign the work is done.
const nudgeTerminal = `You stopped without calling a tool. Keep working toward the objective,
or end the run: call ` + tools.ToolCompleteWork + ` if every criterion is
satisfied, or ` + tools.ToolFailWork + ` if the objective cannot be achieved.`

// nudgeLikelyDone is injected instead when recent history shows
// successful state changes plus progress logging or sustained turns.
const nudgeLikelyDone = `You stopped without calling a tool, and your recent work shows
successful state changes. If the objective is now satisfied, call ` + tools.ToolCompleteWork + `
with a summary of what was done. Otherwise continue with the next step.`

// nudgeContinue is injected after a truncated response.
const nudgeContinue = "Your previous response was cut off. Please continue."
