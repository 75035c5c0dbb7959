package runner

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/runefall/foreman/internal/config"
	"github.com/runefall/foreman/internal/workorder"
)

// Checkpoint is the immutable progress snapshot written before a
// suspension. The next invocation builds its continuation prompt from
// it instead of replaying raw history.
type Checkpoint struct {
	TurnsCompleted  int                  `json:"turns_completed"`
	Tail            []string             `json:"tail,omitempty"`
	Accomplishments []string             `json:"accomplishments,omitempty"`
	MutationsOK     int                  `json:"mutations_ok"`
	MutationsFailed int                  `json:"mutations_failed"`
	FailuresByClass map[string]int       `json:"failures_by_class,omitempty"`
	DoNotRetry      []workorder.FailedOp `json:"do_not_retry,omitempty"`
	// Digest fingerprints the checkpoint content so two suspensions
	// with identical progress are detectable as duplicates.
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpointer writes and reads progress checkpoints through the
// work-order log and decides when the time budget requires suspending.
type Checkpointer struct {
	store  *workorder.Store
	cfg    config.RunnerConfig
	logger *slog.Logger
}

// NewCheckpointer creates a checkpoint controller.
func NewCheckpointer(store *workorder.Store, cfg config.RunnerConfig, logger *slog.Logger) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "checkpointer"),
	}
}

// Due reports whether elapsed run time has crossed the checkpoint
// threshold. Checked before every model call so one long turn cannot
// overshoot the host's wall-clock limit.
func (c *Checkpointer) Due(started time.Time) bool {
	return time.Since(started) >= c.cfg.CheckpointThreshold()
}

// progressNoteLimit bounds how many executor notes a checkpoint carries.
const progressNoteLimit = 10

// Build assembles a checkpoint from live storage plus the loop's turn
// count and recent-outcome tail. Accomplishments merge the executor's
// own progress notes with the recorded successful mutations, so steps
// that mutate nothing (analysis, reads) still survive a suspension.
func (c *Checkpointer) Build(orderID string, turns int, tail []string) (*Checkpoint, error) {
	ok, failed, err := c.store.MutationCounts(orderID)
	if err != nil {
		return nil, fmt.Errorf("mutation counts: %w", err)
	}
	byClass, err := c.store.FailureDigest(orderID)
	if err != nil {
		return nil, fmt.Errorf("failure digest: %w", err)
	}
	failedOps, err := c.store.FailedOps(orderID)
	if err != nil {
		return nil, fmt.Errorf("failed ops: %w", err)
	}
	succeeded, err := c.store.SucceededOps(orderID, 20)
	if err != nil {
		return nil, fmt.Errorf("succeeded ops: %w", err)
	}
	notes, err := c.progressNotes(orderID)
	if err != nil {
		return nil, err
	}
	accomplishments := append(notes, succeeded...)

	cp := &Checkpoint{
		TurnsCompleted:  turns,
		Tail:            tail,
		Accomplishments: accomplishments,
		MutationsOK:     ok,
		MutationsFailed: failed,
		FailuresByClass: byClass,
		DoNotRetry:      failedOps,
		CreatedAt:       time.Now(),
	}
	cp.Digest = contentDigest(cp)
	return cp, nil
}

// progressNotes reads the executor's recorded notes, oldest first.
func (c *Checkpointer) progressNotes(orderID string) ([]string, error) {
	entries, err := c.store.LogEntries(orderID, workorder.LogTagProgress, progressNoteLimit)
	if err != nil {
		return nil, fmt.Errorf("progress notes: %w", err)
	}

	notes := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		var e struct {
			Note string `json:"note"`
		}
		if err := json.Unmarshal(entries[i], &e); err != nil || e.Note == "" {
			continue
		}
		notes = append(notes, e.Note)
	}
	return notes, nil
}

// Write persists a checkpoint and returns the total checkpoint count
// for the order, which drives the circuit-breaker thresholds.
func (c *Checkpointer) Write(orderID string, cp *Checkpoint) (int, error) {
	if err := c.store.AppendLog(orderID, workorder.LogTagCheckpoint, cp); err != nil {
		return 0, fmt.Errorf("write checkpoint: %w", err)
	}
	count, err := c.store.CountLog(orderID, workorder.LogTagCheckpoint)
	if err != nil {
		return 0, fmt.Errorf("count checkpoints: %w", err)
	}

	c.logger.Info("checkpoint written",
		"order", orderID,
		"count", count,
		"turns", cp.TurnsCompleted,
		"mutations_ok", cp.MutationsOK,
	)
	return count, nil
}

// Latest returns the most recent checkpoint for the order, or nil when
// none exists.
func (c *Checkpointer) Latest(orderID string) (*Checkpoint, error) {
	entries, err := c.store.LogEntries(orderID, workorder.LogTagCheckpoint, 1)
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(entries[0], &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

// Count returns the number of checkpoints written for the order.
func (c *Checkpointer) Count(orderID string) (int, error) {
	return c.store.CountLog(orderID, workorder.LogTagCheckpoint)
}

// contentDigest fingerprints the progress-bearing fields.
func contentDigest(cp *Checkpoint) string {
	payload, _ := json.Marshal(struct {
		OK       int                  `json:"ok"`
		Failed   int                  `json:"failed"`
		Done     []string             `json:"done"`
		DeadEnds []workorder.FailedOp `json:"dead_ends"`
	}{cp.MutationsOK, cp.MutationsFailed, cp.Accomplishments, cp.DoNotRetry})

	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}
