// Package runner drives a work order through the model tool-use loop:
// turn taking, history compaction and repair, stall detection,
// checkpoint/resume, and circuit breaking with model escalation. One
// logical work order may span many physical runs; the loop suspends
// itself on a time budget and resumes from a checkpoint, never from raw
// history.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/runefall/foreman/internal/config"
	"github.com/runefall/foreman/internal/events"
	"github.com/runefall/foreman/internal/llm"
	"github.com/runefall/foreman/internal/tools"
	"github.com/runefall/foreman/internal/workorder"
)

// apiRetryBackoff is the fixed delay between in-place retries of
// transient provider errors.
const apiRetryBackoff = 2 * time.Second

// settledTurns is the turn count past which a plain stop is taken as a
// hint the work may already be done.
const settledTurns = 6

// OutcomeStatus classifies how one physical run ended.
type OutcomeStatus string

const (
	// OutcomeCompleted means the model called the success marker.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeFailed means a terminal failure was written.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeSuspended means a checkpoint was written; the caller must
	// re-dispatch the order to continue.
	OutcomeSuspended OutcomeStatus = "suspended"
	// OutcomeEscalated means the order was re-queued at a higher model
	// tier; the caller must re-dispatch it.
	OutcomeEscalated OutcomeStatus = "escalated"
)

// Outcome is the result of one physical run of the loop.
type Outcome struct {
	Status  OutcomeStatus
	Summary string
	Turns   int
	// ResumeToken identifies the order to re-dispatch after a
	// suspension or escalation. The loop never re-invokes itself; the
	// calling scheduler owns the trampoline.
	ResumeToken string
	// NewTier is set when Status is OutcomeEscalated.
	NewTier string
}

// Runner executes work orders. Safe for concurrent use across distinct
// orders; one order's loop is strictly sequential.
type Runner struct {
	store     *workorder.Store
	client    llm.Client
	registry  *tools.Registry
	proxy     *tools.Proxy
	ladder    workorder.Ladder
	cfg       config.RunnerConfig
	bus       *events.Bus
	logger    *slog.Logger
	roleAllow map[string][]string

	checkpointer *Checkpointer
	breaker      *Breaker
}

// Options carries the optional Runner collaborators.
type Options struct {
	// Proxy reroutes named tools server-side; nil disables rerouting.
	Proxy *tools.Proxy
	// Bus receives progress events; nil disables publishing.
	Bus *events.Bus
	// RoleAllow restricts tools per executor role. A missing role
	// permits every tool.
	RoleAllow map[string][]string
	Logger    *slog.Logger
}

// New creates a runner.
func New(store *workorder.Store, client llm.Client, registry *tools.Registry,
	ladder workorder.Ladder, cfg config.RunnerConfig, opts Options) *Runner {

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "runner")

	return &Runner{
		store:        store,
		client:       client,
		registry:     registry,
		proxy:        opts.Proxy,
		ladder:       ladder,
		cfg:          cfg,
		bus:          opts.Bus,
		logger:       logger,
		roleAllow:    opts.RoleAllow,
		checkpointer: NewCheckpointer(store, cfg, logger),
		breaker:      NewBreaker(store, ladder, cfg, logger),
	}
}

// Run executes one physical run of the order: a fresh start for a ready
// order, a resume for an in-progress one. Terminal outcomes are written
// through the store's transition methods before returning.
func (r *Runner) Run(ctx context.Context, orderID string) (*Outcome, error) {
	w, err := r.store.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("load work order: %w", err)
	}

	switch w.Status {
	case workorder.StatusReady:
		return r.runFresh(ctx, w)
	case workorder.StatusInProgress:
		return r.resume(ctx, w)
	default:
		return nil, fmt.Errorf("work order %s is %s, not runnable", w.ID, w.Status)
	}
}

func (r *Runner) runFresh(ctx context.Context, w *workorder.WorkOrder) (*Outcome, error) {
	if err := r.store.Start(w.ID, w.Executor); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	hints, err := r.store.ActiveTargetHints(w.ID)
	if err != nil {
		return nil, fmt.Errorf("target hints: %w", err)
	}

	history := NewHistory(llm.Turn{
		Role:   llm.RoleEnvironment,
		Blocks: []llm.Block{llm.TextBlock(taskPrompt(w, hints))},
	}, r.logger)

	return r.loop(ctx, w, history, hints, false)
}

// resume re-enters the loop for a suspended order. Below the stable
// checkpoint threshold the continuation proceeds directly; at or above
// it the circuit breaker rules first.
func (r *Runner) resume(ctx context.Context, w *workorder.WorkOrder) (*Outcome, error) {
	count, err := r.checkpointer.Count(w.ID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint count: %w", err)
	}
	last, err := r.checkpointer.Latest(w.ID)
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}

	verdict, err := r.breaker.Assess(w.ID, count, last)
	if err != nil {
		return nil, err
	}

	switch verdict {
	case VerdictHardCap:
		reason := fmt.Sprintf("checkpoint hard cap reached (%d suspensions)", count)
		if err := r.store.Fail(w.ID, reason); err != nil {
			return nil, fmt.Errorf("fail at hard cap: %w", err)
		}
		r.publishRunComplete(w.ID, OutcomeFailed, 0, 0)
		return &Outcome{Status: OutcomeFailed, Summary: reason}, nil

	case VerdictStuck:
		if last != nil {
			r.logger.Warn("resume blocked by circuit breaker",
				"order", w.ID, "checkpoints", count, "digest", last.Digest)
		}
		current, _ := r.ladder.CurrentTier(w)
		newTier, escalated, err := r.breaker.Escalate(w)
		if err != nil {
			return nil, err
		}
		if escalated {
			r.bus.Publish(events.Event{
				Source: events.SourceRunner,
				Kind:   events.KindEscalated,
				Data:   map[string]any{"order_id": w.ID, "from_tier": current, "to_tier": newTier},
			})
			return &Outcome{Status: OutcomeEscalated, ResumeToken: w.ID, NewTier: newTier}, nil
		}

		reason := fmt.Sprintf("no progress after %d suspensions and no higher model tier", count)
		if _, err := r.breaker.FailAndRemediate(w, reason); err != nil {
			return nil, err
		}
		r.publishRunComplete(w.ID, OutcomeFailed, 0, 0)
		return &Outcome{Status: OutcomeFailed, Summary: reason}, nil
	}

	if err := r.store.CheckpointContinue(w.ID); err != nil {
		return nil, fmt.Errorf("checkpoint continue: %w", err)
	}

	hints, err := r.store.ActiveTargetHints(w.ID)
	if err != nil {
		return nil, fmt.Errorf("target hints: %w", err)
	}

	// No prior checkpoint means the last run died before suspending
	// cleanly; start over from the task prompt.
	var opening string
	if last != nil {
		opening = continuationPrompt(w, last, hints)
	} else {
		opening = taskPrompt(w, hints)
	}

	history := NewHistory(llm.Turn{
		Role:   llm.RoleEnvironment,
		Blocks: []llm.Block{llm.TextBlock(opening)},
	}, r.logger)

	return r.loop(ctx, w, history, hints, true)
}

// loop is the turn state machine. It runs until a terminal tool is
// invoked, the stall threshold is hit, the checkpoint threshold forces
// a suspension, or an unrecoverable provider error occurs.
func (r *Runner) loop(ctx context.Context, w *workorder.WorkOrder, history *History, hints []string, resumed bool) (*Outcome, error) {
	model, ok := r.ladder.CurrentTier(w)
	if !ok {
		return nil, fmt.Errorf("no model tier configured for executor %q", w.Executor)
	}

	filtered := r.registry.Filtered(w.Tags, r.roleAllow[w.Executor])
	schemas := filtered.Schemas()
	dispatcher := tools.NewDispatcher(filtered, r.store, r.proxy, r.logger)
	state := tools.NewTaskState(w.ID, w.Executor)
	state.Hints = hints
	stall := NewStallDetector(r.cfg.StallThreshold)

	started := time.Now()
	turns := 0
	emergencyCompacted := false
	mutatedOK := false
	progressLogged := false

	r.bus.Publish(events.Event{
		Source: events.SourceRunner,
		Kind:   events.KindRunStart,
		Data:   map[string]any{"order_id": w.ID, "model": model, "resumed": resumed},
	})
	r.logger.Info("run started", "order", w.ID, "model", model, "resumed", resumed)

	for {
		// Time budget first, before any model work: one long turn must
		// not be able to skip the suspension point.
		if ctx.Err() != nil || r.checkpointer.Due(started) {
			return r.suspend(w, turns, stall.Tail())
		}

		history.Compact(r.cfg.MaxHistoryPairs)
		history.Repair()

		resp, err := r.complete(ctx, model, history, schemas, &emergencyCompacted)
		if err != nil {
			reason := fmt.Sprintf("model call failed: %v", err)
			if ferr := r.store.Fail(w.ID, reason); ferr != nil {
				r.logger.Error("terminal transition failed", "order", w.ID, "error", ferr)
			}
			r.publishRunComplete(w.ID, OutcomeFailed, turns, time.Since(started).Milliseconds())
			return &Outcome{Status: OutcomeFailed, Summary: reason, Turns: turns}, nil
		}

		turns++
		history.Append(resp.Turn())
		r.bus.Publish(events.Event{
			Source: events.SourceRunner,
			Kind:   events.KindTurn,
			Data: map[string]any{
				"order_id": w.ID, "turn": turns, "stop_reason": string(resp.StopReason),
				"tokens_in": resp.InputTokens, "tokens_out": resp.OutputTokens,
			},
		})

		calls := resp.ToolCalls()
		switch {
		case len(calls) > 0:
			outcome, done := r.dispatchTurn(ctx, w, dispatcher, state, history, stall, calls,
				&mutatedOK, &progressLogged, turns, started)
			if done {
				return outcome, nil
			}

		case resp.StopReason == llm.StopTruncated:
			history.Append(llm.Turn{
				Role:   llm.RoleEnvironment,
				Blocks: []llm.Block{llm.TextBlock(nudgeContinue)},
			})

		default:
			// Plain stop without a tool call: demand a terminal call,
			// hinting completion when the record suggests the work is done.
			nudge := nudgeTerminal
			if mutatedOK && (progressLogged || turns > settledTurns) {
				nudge = nudgeLikelyDone
			}
			history.Append(llm.Turn{
				Role:   llm.RoleEnvironment,
				Blocks: []llm.Block{llm.TextBlock(nudge)},
			})
		}
	}
}

// dispatchTurn executes every requested tool, appends the result turn,
// and applies terminal and stall policy. done=true means the run ended
// and outcome carries the result.
func (r *Runner) dispatchTurn(ctx context.Context, w *workorder.WorkOrder,
	dispatcher *tools.Dispatcher, state *tools.TaskState, history *History,
	stall *StallDetector, calls []llm.ToolCall,
	mutatedOK, progressLogged *bool, turns int, started time.Time) (*Outcome, bool) {

	resultTurn := llm.Turn{Role: llm.RoleEnvironment}
	outcomes := make([]ToolOutcome, 0, len(calls))

	var terminalCall *llm.ToolCall
	var terminalResult tools.Dispatched

	for i := range calls {
		call := calls[i]
		d := dispatcher.Dispatch(ctx, call, state)

		resultTurn.Blocks = append(resultTurn.Blocks, llm.Block{
			Type:       llm.BlockToolResult,
			ToolResult: &d.Result,
		})
		outcomes = append(outcomes, ToolOutcome{Tool: call.Name, OK: d.Result.OK, Mutating: d.Mutating})

		if d.Result.OK && d.Mutating {
			*mutatedOK = true
		}
		if d.Result.OK && call.Name == tools.ToolProgressLog {
			*progressLogged = true
		}
		if d.Terminal && terminalCall == nil {
			terminalCall = &call
			terminalResult = d
		}

		r.bus.Publish(events.Event{
			Source: events.SourceDispatcher,
			Kind:   events.KindToolResult,
			Data: map[string]any{
				"order_id": w.ID, "tool": call.Name,
				"ok": d.Result.OK, "mutating": d.Mutating,
			},
		})
	}

	history.Append(resultTurn)

	if terminalCall != nil {
		return r.finish(w, terminalCall, terminalResult, turns, started), true
	}

	stall.Observe(outcomes)
	if stall.Stalled() {
		reason := stall.FailureMessage()
		if err := r.store.Fail(w.ID, reason); err != nil {
			r.logger.Error("terminal transition failed", "order", w.ID, "error", err)
		}
		r.publishRunComplete(w.ID, OutcomeFailed, turns, time.Since(started).Milliseconds())
		return &Outcome{Status: OutcomeFailed, Summary: reason, Turns: turns}, true
	}

	return nil, false
}

// finish writes the terminal transition for a terminal tool call.
func (r *Runner) finish(w *workorder.WorkOrder, call *llm.ToolCall, d tools.Dispatched,
	turns int, started time.Time) *Outcome {

	summary := d.Result.Content
	success := d.Result.OK && call.Name != tools.ToolFailWork

	var err error
	status := OutcomeCompleted
	if success {
		err = r.store.Complete(w.ID, summary)
	} else {
		status = OutcomeFailed
		err = r.store.Fail(w.ID, summary)
	}
	if err != nil {
		r.logger.Error("terminal transition failed", "order", w.ID, "error", err)
	}

	r.logger.Info("run finished", "order", w.ID, "status", string(status), "turns", turns)
	r.publishRunComplete(w.ID, status, turns, time.Since(started).Milliseconds())
	return &Outcome{Status: status, Summary: summary, Turns: turns}
}

// suspend writes a checkpoint and returns the suspend outcome. The
// caller re-dispatches the order; the loop itself stays free of
// transport concerns.
func (r *Runner) suspend(w *workorder.WorkOrder, turns int, tail []string) (*Outcome, error) {
	cp, err := r.checkpointer.Build(w.ID, turns, tail)
	if err != nil {
		return nil, fmt.Errorf("build checkpoint: %w", err)
	}
	count, err := r.checkpointer.Write(w.ID, cp)
	if err != nil {
		return nil, err
	}

	r.bus.Publish(events.Event{
		Source: events.SourceRunner,
		Kind:   events.KindCheckpoint,
		Data:   map[string]any{"order_id": w.ID, "checkpoint_count": count, "turns": turns},
	})

	return &Outcome{Status: OutcomeSuspended, Turns: turns, ResumeToken: w.ID}, nil
}

// complete performs one model call with bounded in-place retry for
// transient errors and a single emergency compaction for a
// context-too-large error.
func (r *Runner) complete(ctx context.Context, model string, history *History,
	schemas []llm.ToolSchema, emergencyCompacted *bool) (*llm.Response, error) {

	req := &llm.Request{
		Model:  model,
		System: systemPrompt,
		Turns:  history.Turns(),
		Tools:  schemas,
	}

	attempts := 0
	for {
		resp, err := r.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}

		if llm.IsContextTooLarge(err) {
			if *emergencyCompacted {
				return nil, fmt.Errorf("context still too large after emergency compaction: %w", err)
			}
			// Already at the minimum pair budget: compaction cannot
			// shrink anything, so retrying would just repeat the error.
			if history.Pairs() <= emergencyMinPairs {
				return nil, fmt.Errorf("context too large with history already minimal: %w", err)
			}
			*emergencyCompacted = true
			history.Compact(emergencyMinPairs)
			history.Repair()
			req.Turns = history.Turns()
			r.logger.Warn("emergency history compaction", "kept_pairs", history.Pairs())
			continue
		}

		if llm.IsRetryable(err) && attempts < r.cfg.APIRetryLimit {
			attempts++
			r.logger.Warn("transient provider error, retrying",
				"attempt", attempts, "error", err)
			select {
			case <-time.After(apiRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		return nil, err
	}
}

func (r *Runner) publishRunComplete(orderID string, status OutcomeStatus, turns int, elapsedMS int64) {
	r.bus.Publish(events.Event{
		Source: events.SourceRunner,
		Kind:   events.KindRunComplete,
		Data: map[string]any{
			"order_id": orderID, "status": string(status),
			"turns": turns, "elapsed_ms": elapsedMS,
		},
	})
}
