package runner

import (
	"fmt"
	"strings"
)

// tailSize bounds the recent-outcome tail kept for failure messages and
// checkpoints.
const tailSize = 8

// ToolOutcome is the stall detector's view of one dispatched tool.
type ToolOutcome struct {
	Tool     string
	OK       bool
	Mutating bool
}

// StallDetector counts consecutive non-productive turns. A turn is
// productive when at least one dispatched tool succeeded, whether it
// was a mutation or a read. Crossing the threshold is a terminal
// failure by policy.
type StallDetector struct {
	threshold int
	count     int
	tail      []string
}

// NewStallDetector creates a detector with the given threshold.
func NewStallDetector(threshold int) *StallDetector {
	if threshold <= 0 {
		threshold = 5
	}
	return &StallDetector{threshold: threshold}
}

// Observe records the outcomes of one tool-dispatch turn and updates
// the counter.
func (d *StallDetector) Observe(outcomes []ToolOutcome) {
	productive := false
	for _, o := range outcomes {
		if o.OK {
			productive = true
		}
		status := "failed"
		if o.OK {
			status = "ok"
		}
		d.tail = append(d.tail, fmt.Sprintf("%s=%s", o.Tool, status))
	}
	if len(d.tail) > tailSize {
		d.tail = d.tail[len(d.tail)-tailSize:]
	}

	if productive {
		d.count = 0
		return
	}
	d.count++
}

// Stalled reports whether the consecutive non-productive count has
// reached the threshold.
func (d *StallDetector) Stalled() bool {
	return d.count >= d.threshold
}

// Count returns the current consecutive non-productive turn count.
func (d *StallDetector) Count() int { return d.count }

// Tail returns the recent tool/outcome tail, oldest first.
func (d *StallDetector) Tail() []string {
	return append([]string(nil), d.tail...)
}

// FailureMessage describes the stall for the terminal transition.
func (d *StallDetector) FailureMessage() string {
	return fmt.Sprintf("stalled: %d consecutive turns without a successful tool call (recent: %s)",
		d.count, strings.Join(d.tail, ", "))
}
