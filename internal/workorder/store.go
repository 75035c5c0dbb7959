package workorder

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Order-log tags. The continuation controller filters and counts
// entries by tag.
const (
	// LogTagCheckpoint marks progress snapshots written on suspension.
	LogTagCheckpoint = "checkpoint"
	// LogTagProgress marks accomplishment notes recorded by the
	// executor mid-run; checkpoints fold them into the continuation.
	LogTagProgress = "progress"
)

// Store handles work-order, mutation-record, and log persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a work-order store with a SQLite backend.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The pure-Go driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent waves.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_orders (
		id TEXT PRIMARY KEY,
		objective TEXT NOT NULL,
		criteria_json TEXT NOT NULL DEFAULT '[]',
		tags_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		executor TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}',
		parent_id TEXT NOT NULL DEFAULT '',
		depends_json TEXT NOT NULL DEFAULT '[]',
		summary TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS mutation_records (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		action TEXT NOT NULL,
		ok INTEGER NOT NULL,
		error_class TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		FOREIGN KEY (order_id) REFERENCES work_orders(id)
	);

	CREATE TABLE IF NOT EXISTS order_log (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (order_id) REFERENCES work_orders(id)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON work_orders(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_order ON mutation_records(order_id);
	CREATE INDEX IF NOT EXISTS idx_log_order_tag ON order_log(order_id, tag);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

// CreateOrder persists a new work order. A zero status defaults to draft.
func (s *Store) CreateOrder(w *WorkOrder) error {
	if w.ID == "" {
		w.ID = NewID()
	}
	if w.Status == "" {
		w.Status = StatusDraft
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	w.UpdatedAt = time.Now()

	criteria, err := json.Marshal(orEmptyCriteria(w.Criteria))
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}
	tags, err := json.Marshal(orEmptyStrings(w.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	meta, err := json.Marshal(orEmptyMap(w.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	deps, err := json.Marshal(orEmptyStrings(w.DependsOn))
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO work_orders (id, objective, criteria_json, tags_json, status, executor,
			metadata_json, parent_id, depends_json, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Objective, string(criteria), string(tags), string(w.Status), w.Executor,
		string(meta), w.ParentID, string(deps), w.Summary,
		w.CreatedAt.Format(time.RFC3339Nano), w.UpdatedAt.Format(time.RFC3339Nano))

	return err
}

// GetOrder retrieves a work order by ID.
func (s *Store) GetOrder(id string) (*WorkOrder, error) {
	row := s.db.QueryRow(`
		SELECT id, objective, criteria_json, tags_json, status, executor,
			metadata_json, parent_id, depends_json, summary, created_at, updated_at
		FROM work_orders WHERE id = ?
	`, id)
	return scanOrder(row)
}

// UpdateMetadata merges the given keys into the order's metadata bag.
func (s *Store) UpdateMetadata(id string, set map[string]string) error {
	w, err := s.GetOrder(id)
	if err != nil {
		return err
	}
	if w.Metadata == nil {
		w.Metadata = make(map[string]string, len(set))
	}
	for k, v := range set {
		w.Metadata[k] = v
	}
	meta, err := json.Marshal(w.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(`UPDATE work_orders SET metadata_json = ?, updated_at = ? WHERE id = ?`,
		string(meta), time.Now().Format(time.RFC3339Nano), id)
	return err
}

// transition moves an order to a new status after validating the move
// against the transition table, atomically via a guarded UPDATE.
func (s *Store) transition(id string, to Status, summary string) error {
	w, err := s.GetOrder(id)
	if err != nil {
		return err
	}
	if !canTransition(w.Status, to) {
		return &TransitionError{OrderID: id, From: w.Status, To: to}
	}

	res, err := s.db.Exec(`
		UPDATE work_orders SET status = ?, summary = CASE WHEN ? != '' THEN ? ELSE summary END,
			updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), summary, summary, time.Now().Format(time.RFC3339Nano), id, string(w.Status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Lost a race with a concurrent transition.
		return &TransitionError{OrderID: id, From: w.Status, To: to}
	}
	return nil
}

// Start claims a ready order for execution.
func (s *Store) Start(id, executor string) error {
	if err := s.transition(id, StatusInProgress, ""); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE work_orders SET executor = ? WHERE id = ?`, executor, id)
	return err
}

// CheckpointContinue records a continuation touch on a suspended order.
// The order stays in_progress; only the updated timestamp moves, which
// keeps stale-order sweeps honest.
func (s *Store) CheckpointContinue(id string) error {
	res, err := s.db.Exec(`UPDATE work_orders SET updated_at = ? WHERE id = ? AND status = ?`,
		time.Now().Format(time.RFC3339Nano), id, string(StatusInProgress))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("work order %s is not in progress", id)
	}
	return nil
}

// Escalate records a model-tier escalation: the new tier goes into the
// metadata bag, checkpoint history is cleared so the escalated model
// gets a fresh run, and the order returns to ready for re-dispatch.
func (s *Store) Escalate(id, newTier string) error {
	if err := s.UpdateMetadata(id, map[string]string{MetaModelTier: newTier}); err != nil {
		return err
	}
	if err := s.ClearLog(id, LogTagCheckpoint); err != nil {
		return err
	}
	return s.transition(id, StatusReady, "")
}

// Complete marks an order done with a terminal summary.
func (s *Store) Complete(id, summary string) error {
	return s.transition(id, StatusDone, summary)
}

// Fail marks an order failed with a human-readable reason.
func (s *Store) Fail(id, reason string) error {
	return s.transition(id, StatusFailed, reason)
}

// MarkReview routes an order to human review.
func (s *Store) MarkReview(id, reason string) error {
	return s.transition(id, StatusReview, reason)
}

// Approve moves a pending-approval or draft order to ready.
func (s *Store) Approve(id string) error {
	return s.transition(id, StatusReady, "")
}

// ReadyQueue returns up to limit ready orders whose dependencies are all
// done, oldest first. The ordering is deliberately simple; a smarter
// ranking policy can replace this query without touching callers.
func (s *Store) ReadyQueue(limit int) ([]*WorkOrder, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, objective, criteria_json, tags_json, status, executor,
			metadata_json, parent_id, depends_json, summary, created_at, updated_at
		FROM work_orders WHERE status = ?
		ORDER BY created_at ASC LIMIT ?
	`, string(StatusReady), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*WorkOrder
	for rows.Next() {
		w, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var ready []*WorkOrder
	for _, w := range candidates {
		ok, err := s.depsSatisfied(w)
		if err != nil {
			return nil, err
		}
		if ok {
			ready = append(ready, w)
		}
	}
	return ready, nil
}

func (s *Store) depsSatisfied(w *WorkOrder) (bool, error) {
	for _, dep := range w.DependsOn {
		d, err := s.GetOrder(dep)
		if errors.Is(err, sql.ErrNoRows) {
			// A vanished dependency never blocks forever.
			continue
		}
		if err != nil {
			return false, err
		}
		if d.Status != StatusDone {
			return false, nil
		}
	}
	return true, nil
}

// ActiveTargetHints returns the distinct targets recently touched by
// other in-progress orders. Purely informational: concurrent orders are
// advised, never blocked.
func (s *Store) ActiveTargetHints(excludeOrderID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT m.target_type || ':' || m.target_id
		FROM mutation_records m
		JOIN work_orders w ON w.id = m.order_id
		WHERE w.status = ? AND m.order_id != ? AND m.target_id != ''
		ORDER BY 1 LIMIT 50
	`, string(StatusInProgress), excludeOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hints []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hints = append(hints, h)
	}
	return hints, rows.Err()
}

// RecordMutation persists one mutation record. Retry policy lives in
// the dispatcher; this is a single attempt.
func (s *Store) RecordMutation(m *MutationRecord) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	ok := 0
	if m.OK {
		ok = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO mutation_records (id, order_id, tool, target_type, target_id, action,
			ok, error_class, error_detail, context, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.OrderID, m.Tool, m.TargetType, m.TargetID, m.Action,
		ok, m.ErrorClass, m.ErrorDetail, m.Context, m.Actor,
		m.CreatedAt.Format(time.RFC3339Nano))

	return err
}

// MutationCounts returns the successful and failed mutation counts for
// an order. The circuit breaker compares the success count against the
// count stored in the latest checkpoint to detect progress.
func (s *Store) MutationCounts(orderID string) (succeeded, failed int, err error) {
	row := s.db.QueryRow(`
		SELECT COALESCE(SUM(ok), 0), COALESCE(SUM(1 - ok), 0)
		FROM mutation_records WHERE order_id = ?
	`, orderID)
	err = row.Scan(&succeeded, &failed)
	return succeeded, failed, err
}

// FailureDigest groups failed mutations by error class.
func (s *Store) FailureDigest(orderID string) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT error_class, COUNT(*) FROM mutation_records
		WHERE order_id = ? AND ok = 0 GROUP BY error_class
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	digest := make(map[string]int)
	for rows.Next() {
		var class string
		var n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		digest[class] = n
	}
	return digest, rows.Err()
}

// FailedOps returns the distinct (tool, target, error-class) triples of
// failed mutations, for do-not-retry lists and remediation orders.
func (s *Store) FailedOps(orderID string) ([]FailedOp, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT tool, target_type || ':' || target_id, error_class
		FROM mutation_records WHERE order_id = ? AND ok = 0
		ORDER BY 1, 2
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []FailedOp
	for rows.Next() {
		var op FailedOp
		if err := rows.Scan(&op.Tool, &op.Target, &op.ErrorClass); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// SucceededOps returns human-readable descriptions of successful
// mutations, most recent first, for accomplishment lists.
func (s *Store) SucceededOps(orderID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT tool, action, target_type, target_id FROM mutation_records
		WHERE order_id = ? AND ok = 1
		ORDER BY created_at DESC LIMIT ?
	`, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []string
	for rows.Next() {
		var tool, action, targetType, targetID string
		if err := rows.Scan(&tool, &action, &targetType, &targetID); err != nil {
			return nil, err
		}
		ops = append(ops, fmt.Sprintf("%s: %s %s %s", tool, action, targetType, targetID))
	}
	return ops, rows.Err()
}

// AppendLog writes one tagged log entry for an order. Payload is
// JSON-encoded.
func (s *Store) AppendLog(orderID, tag string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal log payload: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO order_log (id, order_id, tag, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, NewID(), orderID, tag, string(data), time.Now().Format(time.RFC3339Nano))
	return err
}

// LogEntries returns payloads for an order filtered by tag, most recent
// first.
func (s *Store) LogEntries(orderID, tag string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT payload_json FROM order_log
		WHERE order_id = ? AND tag = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, orderID, tag, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []json.RawMessage
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		entries = append(entries, json.RawMessage(p))
	}
	return entries, rows.Err()
}

// CountLog counts an order's log entries with the given tag.
func (s *Store) CountLog(orderID, tag string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM order_log WHERE order_id = ? AND tag = ?`,
		orderID, tag).Scan(&n)
	return n, err
}

// ClearLog removes an order's log entries with the given tag.
func (s *Store) ClearLog(orderID, tag string) error {
	_, err := s.db.Exec(`DELETE FROM order_log WHERE order_id = ? AND tag = ?`, orderID, tag)
	return err
}

// Helper scan functions

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrderFrom(sc rowScanner) (*WorkOrder, error) {
	var w WorkOrder
	var criteria, tags, meta, deps string
	var status, createdAt, updatedAt string

	err := sc.Scan(&w.ID, &w.Objective, &criteria, &tags, &status, &w.Executor,
		&meta, &w.ParentID, &deps, &w.Summary, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(criteria), &w.Criteria); err != nil {
		return nil, fmt.Errorf("unmarshal criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &w.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &w.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &w.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal depends_on: %w", err)
	}

	w.Status = Status(status)
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &w, nil
}

func scanOrder(row *sql.Row) (*WorkOrder, error)      { return scanOrderFrom(row) }
func scanOrderRows(rows *sql.Rows) (*WorkOrder, error) { return scanOrderFrom(rows) }

func orEmptyCriteria(c []Criterion) []Criterion {
	if c == nil {
		return []Criterion{}
	}
	return c
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
