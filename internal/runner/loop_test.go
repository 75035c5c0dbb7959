package runner

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/runefall/foreman/internal/config"
	"github.com/runefall/foreman/internal/llm"
	"github.com/runefall/foreman/internal/tools"
	"github.com/runefall/foreman/internal/workorder"
)

// scriptedClient replays a fixed sequence of responses and errors,
// recording every request for assertions.
type scriptedClient struct {
	steps    []scriptStep
	requests []*llm.Request
}

type scriptStep struct {
	resp *llm.Response
	err  error
}

func (c *scriptedClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	snapshot := *req
	snapshot.Turns = append([]llm.Turn(nil), req.Turns...)
	c.requests = append(c.requests, &snapshot)

	if len(c.requests) > len(c.steps) {
		return nil, fmt.Errorf("script exhausted after %d calls", len(c.steps))
	}
	step := c.steps[len(c.requests)-1]
	return step.resp, step.err
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func toolUseResponse(calls ...llm.ToolCall) *llm.Response {
	blocks := make([]llm.Block, 0, len(calls))
	for i := range calls {
		blocks = append(blocks, llm.Block{Type: llm.BlockToolCall, ToolCall: &calls[i]})
	}
	return &llm.Response{StopReason: llm.StopToolUse, Blocks: blocks}
}

func endResponse(text string) *llm.Response {
	return &llm.Response{StopReason: llm.StopEnd, Blocks: []llm.Block{llm.TextBlock(text)}}
}

func truncatedResponse(text string) *llm.Response {
	return &llm.Response{StopReason: llm.StopTruncated, Blocks: []llm.Block{llm.TextBlock(text)}}
}

func completeCall(id, summary string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: tools.ToolCompleteWork,
		Arguments: map[string]any{"summary": summary}}
}

// newLoopRegistry builds the builtin tools plus test probes.
func newLoopRegistry(t *testing.T, store *workorder.Store) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	tools.RegisterBuiltins(r, store)

	r.Register(&tools.Tool{
		Name: "probe",
		Handler: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return &tools.Result{OK: true, Content: "probe data"}, nil
		},
	})
	r.Register(&tools.Tool{
		Name: "failing_probe",
		Handler: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return nil, fmt.Errorf("target not found")
		},
	})
	r.Register(&tools.Tool{
		Name: "explode",
		Handler: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			panic("handler bug")
		},
	})
	return r
}

func newLoopRunner(t *testing.T, store *workorder.Store, client llm.Client, cfg config.RunnerConfig) *Runner {
	t.Helper()
	return New(store, client, newLoopRegistry(t, store), testLadder, cfg, Options{})
}

func createReadyOrder(t *testing.T, store *workorder.Store) *workorder.WorkOrder {
	t.Helper()
	w := &workorder.WorkOrder{
		Objective: "close stale issues",
		Status:    workorder.StatusReady,
		Executor:  "maintainer",
	}
	if err := store.CreateOrder(w); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	return w
}

// lastTurnText returns the trailing turn's text of a recorded request.
func lastTurnText(t *testing.T, req *llm.Request) string {
	t.Helper()
	if len(req.Turns) == 0 {
		t.Fatal("request has no turns")
	}
	return req.Turns[len(req.Turns)-1].Text()
}

func TestRunCompletesOnTerminalTool(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	client := &scriptedClient{steps: []scriptStep{
		{resp: toolUseResponse(llm.ToolCall{ID: "c1", Name: "probe", Arguments: map[string]any{}})},
		{resp: toolUseResponse(completeCall("c2", "all criteria satisfied"))},
	}}
	r := newLoopRunner(t, store, client, testRunnerConfig())

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeCompleted {
		t.Fatalf("Status = %q, want completed (summary: %s)", out.Status, out.Summary)
	}
	if out.Turns != 2 {
		t.Errorf("Turns = %d, want 2", out.Turns)
	}

	got, err := store.GetOrder(w.ID)
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if got.Status != workorder.StatusDone {
		t.Errorf("order status = %s, want done", got.Status)
	}
	if got.Summary != "all criteria satisfied" {
		t.Errorf("order summary = %q", got.Summary)
	}

	// The second request must carry the probe invocation and its result
	// in adjacent turns.
	second := client.requests[1]
	if len(second.Turns) < 3 {
		t.Fatalf("second request has %d turns, want at least 3", len(second.Turns))
	}
	if !second.Turns[2].ResultFor("c1") {
		t.Error("probe result missing from the turn after its invocation")
	}
}

func TestRunNudgesOnPlainStop(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	client := &scriptedClient{steps: []scriptStep{
		{resp: endResponse("I think that covers it.")},
		{resp: toolUseResponse(completeCall("c1", "done"))},
	}}
	r := newLoopRunner(t, store, client, testRunnerConfig())

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeCompleted {
		t.Fatalf("Status = %q, want completed", out.Status)
	}

	nudge := lastTurnText(t, client.requests[1])
	if !strings.Contains(nudge, "stopped without calling a tool") {
		t.Errorf("expected a terminal-call nudge, got %q", nudge)
	}
}

func TestRunContinuesAfterTruncation(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	client := &scriptedClient{steps: []scriptStep{
		{resp: truncatedResponse("partial outp")},
		{resp: toolUseResponse(completeCall("c1", "done"))},
	}}
	r := newLoopRunner(t, store, client, testRunnerConfig())

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeCompleted {
		t.Fatalf("Status = %q, want completed", out.Status)
	}
	if got := lastTurnText(t, client.requests[1]); got != nudgeContinue {
		t.Errorf("continuation nudge = %q, want %q", got, nudgeContinue)
	}
}

func TestRunContainsHandlerPanic(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	client := &scriptedClient{steps: []scriptStep{
		{resp: toolUseResponse(llm.ToolCall{ID: "c1", Name: "explode", Arguments: map[string]any{}})},
		{resp: toolUseResponse(completeCall("c2", "done"))},
	}}
	r := newLoopRunner(t, store, client, testRunnerConfig())

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeCompleted {
		t.Fatalf("Status = %q, want completed: the panic must not kill the loop", out.Status)
	}

	// The failed result must be visible to the model on the next call.
	second := client.requests[1]
	found := false
	for _, turn := range second.Turns {
		for _, b := range turn.Blocks {
			if b.Type == llm.BlockToolResult && b.ToolResult.CallID == "c1" {
				found = true
				if b.ToolResult.OK {
					t.Error("panicked tool result should be a failure")
				}
				if !strings.Contains(b.ToolResult.Content, "dispatch exception") {
					t.Errorf("result content = %q, want a dispatch exception message", b.ToolResult.Content)
				}
			}
		}
	}
	if !found {
		t.Error("no result for the panicked tool call")
	}
}

func TestRunStallsAfterThreshold(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	cfg := testRunnerConfig()
	cfg.StallThreshold = 3

	var steps []scriptStep
	for i := 0; i < 3; i++ {
		steps = append(steps, scriptStep{resp: toolUseResponse(
			llm.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "failing_probe", Arguments: map[string]any{}})})
	}
	client := &scriptedClient{steps: steps}
	r := newLoopRunner(t, store, client, cfg)

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeFailed {
		t.Fatalf("Status = %q, want failed", out.Status)
	}
	if !strings.Contains(out.Summary, "stalled") {
		t.Errorf("Summary = %q, want a stall message", out.Summary)
	}

	got, _ := store.GetOrder(w.ID)
	if got.Status != workorder.StatusFailed {
		t.Errorf("order status = %s, want failed", got.Status)
	}
}

func TestRunSuspendsOnTimeBudget(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	cfg := testRunnerConfig()
	cfg.CheckpointThresholdSec = 0 // immediately due

	client := &scriptedClient{}
	r := newLoopRunner(t, store, client, cfg)

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeSuspended {
		t.Fatalf("Status = %q, want suspended", out.Status)
	}
	if out.ResumeToken != w.ID {
		t.Errorf("ResumeToken = %q, want the order id", out.ResumeToken)
	}
	if len(client.requests) != 0 {
		t.Errorf("no model call should happen when the budget is already spent, got %d", len(client.requests))
	}

	got, _ := store.GetOrder(w.ID)
	if got.Status != workorder.StatusInProgress {
		t.Errorf("order status = %s, want in_progress across suspension", got.Status)
	}
	if count, _ := store.CountLog(w.ID, workorder.LogTagCheckpoint); count != 1 {
		t.Errorf("checkpoint count = %d, want 1", count)
	}
}

func TestResumeBuildsContinuationPrompt(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	// First run suspends immediately.
	suspendCfg := testRunnerConfig()
	suspendCfg.CheckpointThresholdSec = 0
	if _, err := newLoopRunner(t, store, &scriptedClient{}, suspendCfg).Run(context.Background(), w.ID); err != nil {
		t.Fatalf("suspend run error = %v", err)
	}

	client := &scriptedClient{steps: []scriptStep{
		{resp: toolUseResponse(completeCall("c1", "wrapped up"))},
	}}
	r := newLoopRunner(t, store, client, testRunnerConfig())

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("resume Run() error = %v", err)
	}
	if out.Status != OutcomeCompleted {
		t.Fatalf("Status = %q, want completed", out.Status)
	}

	opening := client.requests[0].Turns[0].Text()
	if !strings.Contains(opening, "resumed") {
		t.Errorf("resumed run should open from the continuation prompt, got %q", opening)
	}
	if !strings.Contains(opening, w.Objective) {
		t.Error("continuation prompt must restate the objective")
	}
}

func TestResumeEscalatesWhenStuck(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)
	if err := store.Start(w.ID, w.Executor); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Three checkpoints (the stable threshold) with zero progress.
	c := NewCheckpointer(store, testRunnerConfig(), nil)
	for i := 0; i < 3; i++ {
		cp, err := c.Build(w.ID, i+1, nil)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if _, err := c.Write(w.ID, cp); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	r := newLoopRunner(t, store, &scriptedClient{}, testRunnerConfig())
	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeEscalated {
		t.Fatalf("Status = %q, want escalated", out.Status)
	}
	if out.NewTier != "medium-1" {
		t.Errorf("NewTier = %q, want medium-1", out.NewTier)
	}

	got, _ := store.GetOrder(w.ID)
	if got.Status != workorder.StatusReady {
		t.Errorf("order status = %s, want ready for re-dispatch", got.Status)
	}
}

func TestResumeFailsAtHardCap(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)
	if err := store.Start(w.ID, w.Executor); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cfg := testRunnerConfig()
	c := NewCheckpointer(store, cfg, nil)
	for i := 0; i < cfg.HardCapCheckpoints; i++ {
		cp, err := c.Build(w.ID, i+1, nil)
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if _, err := c.Write(w.ID, cp); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	r := newLoopRunner(t, store, &scriptedClient{}, cfg)
	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeFailed {
		t.Fatalf("Status = %q, want failed", out.Status)
	}
	if !strings.Contains(out.Summary, "hard cap") {
		t.Errorf("Summary = %q, want a hard cap reason", out.Summary)
	}
}

func TestRunFailsOnUnrecoverableProviderError(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	client := &scriptedClient{steps: []scriptStep{
		{err: &llm.APIError{Provider: "anthropic", Status: 401, Body: "invalid api key"}},
	}}
	r := newLoopRunner(t, store, client, testRunnerConfig())

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeFailed {
		t.Fatalf("Status = %q, want failed", out.Status)
	}
	if !strings.Contains(out.Summary, "model call failed") {
		t.Errorf("Summary = %q", out.Summary)
	}

	got, _ := store.GetOrder(w.ID)
	if got.Status != workorder.StatusFailed {
		t.Errorf("order status = %s, want failed", got.Status)
	}
}

// probeSteps scripts n successful probe turns so history accumulates
// invocation/result pairs before the step under test.
func probeSteps(n int) []scriptStep {
	steps := make([]scriptStep, 0, n)
	for i := 0; i < n; i++ {
		steps = append(steps, scriptStep{resp: toolUseResponse(
			llm.ToolCall{ID: fmt.Sprintf("p%d", i), Name: "probe", Arguments: map[string]any{}},
		)})
	}
	return steps
}

func TestRunEmergencyCompactionOnContextTooLarge(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	steps := probeSteps(emergencyMinPairs + 1)
	steps = append(steps,
		scriptStep{err: &llm.APIError{Provider: "openai", Status: 400, Body: "maximum context length exceeded"}},
		scriptStep{resp: toolUseResponse(completeCall("c1", "done"))},
	)
	client := &scriptedClient{steps: steps}
	r := newLoopRunner(t, store, client, testRunnerConfig())

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeCompleted {
		t.Fatalf("Status = %q, want completed after one emergency compaction", out.Status)
	}
	if want := emergencyMinPairs + 3; len(client.requests) != want {
		t.Errorf("model calls = %d, want %d", len(client.requests), want)
	}
}

func TestRunContextTooLargeWithMinimalHistoryFails(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	// Nothing to compact yet: retrying the identical request would just
	// repeat the error, so the run must fail on the first one.
	client := &scriptedClient{steps: []scriptStep{
		{err: &llm.APIError{Provider: "openai", Status: 400, Body: "maximum context length exceeded"}},
	}}
	r := newLoopRunner(t, store, client, testRunnerConfig())

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeFailed {
		t.Fatalf("Status = %q, want failed", out.Status)
	}
	if !strings.Contains(out.Summary, "already minimal") {
		t.Errorf("Summary = %q", out.Summary)
	}
	if len(client.requests) != 1 {
		t.Errorf("model calls = %d, want 1", len(client.requests))
	}
}

func TestRunSecondContextTooLargeIsFatal(t *testing.T) {
	store := newTestStore(t)
	w := createReadyOrder(t, store)

	tooLarge := &llm.APIError{Provider: "openai", Status: 400, Body: "maximum context length exceeded"}
	steps := probeSteps(emergencyMinPairs + 1)
	steps = append(steps, scriptStep{err: tooLarge}, scriptStep{err: tooLarge})
	client := &scriptedClient{steps: steps}
	r := newLoopRunner(t, store, client, testRunnerConfig())

	out, err := r.Run(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != OutcomeFailed {
		t.Fatalf("Status = %q, want failed", out.Status)
	}
	if !strings.Contains(out.Summary, "too large") {
		t.Errorf("Summary = %q", out.Summary)
	}
}

func TestRunRejectsNonRunnableStatus(t *testing.T) {
	store := newTestStore(t)
	w := &workorder.WorkOrder{Objective: "x", Status: workorder.StatusDraft, Executor: "maintainer"}
	if err := store.CreateOrder(w); err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	r := newLoopRunner(t, store, &scriptedClient{}, testRunnerConfig())
	if _, err := r.Run(context.Background(), w.ID); err == nil {
		t.Error("running a draft order should be an error")
	}
}
