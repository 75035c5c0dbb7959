package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/runefall/foreman/internal/llm"
	"github.com/runefall/foreman/internal/workorder"
)

// fakeMutationStore records mutations in memory and can fail the first
// N writes to exercise the retry path.
type fakeMutationStore struct {
	mu       sync.Mutex
	records  []*workorder.MutationRecord
	failures int
}

func (s *fakeMutationStore) RecordMutation(rec *workorder.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("transient store error")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeMutationStore) recorded() []*workorder.MutationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*workorder.MutationRecord(nil), s.records...)
}

func newTestDispatcher(t *testing.T, r *Registry, store MutationStore, proxy *Proxy) *Dispatcher {
	t.Helper()
	return NewDispatcher(r, store, proxy, nil)
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, NewRegistry(), nil, nil)
	state := NewTaskState("order-1", "executor")

	out := d.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "nope"}, state)
	if out.Result.OK {
		t.Error("unknown tool should produce a failed result")
	}
	if out.Result.CallID != "c1" {
		t.Errorf("CallID = %q, want c1", out.Result.CallID)
	}
	if !strings.Contains(out.Result.Content, "not available") {
		t.Errorf("content should explain unavailability, got %q", out.Result.Content)
	}
}

func TestDispatchHandlerPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name: "explode",
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			panic("boom")
		},
	})
	d := newTestDispatcher(t, r, nil, nil)
	state := NewTaskState("order-1", "executor")

	out := d.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "explode"}, state)
	if out.Result.OK {
		t.Error("panicking handler should produce a failed result")
	}
	if !strings.Contains(out.Result.Content, "dispatch exception") {
		t.Errorf("content = %q, want a dispatch exception message", out.Result.Content)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Name: "broken",
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			return nil, fmt.Errorf("resource not found")
		},
	})
	d := newTestDispatcher(t, r, nil, nil)
	state := NewTaskState("order-1", "executor")

	out := d.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "broken"}, state)
	if out.Result.OK {
		t.Error("handler error should produce a failed result")
	}
	if out.Result.Content != "resource not found" {
		t.Errorf("content = %q, want the handler error text", out.Result.Content)
	}
}

func TestDispatchRecordsMutation(t *testing.T) {
	store := &fakeMutationStore{}
	r := NewRegistry()
	r.Register(&Tool{
		Name:     "close_ticket",
		Mutation: &MutationSpec{TargetType: "ticket", TargetArg: "ticket_id", Action: "close"},
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			return &Result{OK: true, Content: "closed"}, nil
		},
	})
	d := newTestDispatcher(t, r, store, nil)
	state := NewTaskState("order-1", "executor")

	out := d.Dispatch(context.Background(), llm.ToolCall{
		ID:        "c1",
		Name:      "close_ticket",
		Arguments: map[string]any{"ticket_id": "T-42"},
	}, state)
	if !out.Mutating {
		t.Error("Mutating should be true for a mutation-spec tool")
	}

	recs := store.recorded()
	if len(recs) != 1 {
		t.Fatalf("got %d mutation records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.TargetType != "ticket" || rec.TargetID != "T-42" || rec.Action != "close" {
		t.Errorf("record = %+v, want ticket/T-42/close", rec)
	}
	if !rec.OK {
		t.Error("record should mark the mutation successful")
	}
	if rec.Actor != "executor" || rec.OrderID != "order-1" {
		t.Errorf("record attribution = %q/%q", rec.Actor, rec.OrderID)
	}
}

func TestDispatchClassifiesFailedMutation(t *testing.T) {
	store := &fakeMutationStore{}
	r := NewRegistry()
	r.Register(&Tool{
		Name:     "update_thing",
		Mutation: &MutationSpec{TargetType: "thing", TargetArg: "id", Action: "update"},
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			return nil, fmt.Errorf("403 permission denied for this resource")
		},
	})
	d := newTestDispatcher(t, r, store, nil)
	state := NewTaskState("order-1", "executor")

	d.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "update_thing", Arguments: map[string]any{"id": "x"}}, state)

	recs := store.recorded()
	if len(recs) != 1 {
		t.Fatalf("got %d mutation records, want 1", len(recs))
	}
	if recs[0].OK {
		t.Error("record should mark the mutation failed")
	}
	if recs[0].ErrorClass != workorder.ErrClassPermission {
		t.Errorf("ErrorClass = %q, want %q", recs[0].ErrorClass, workorder.ErrClassPermission)
	}
}

func TestDispatchRetriesMutationRecord(t *testing.T) {
	store := &fakeMutationStore{failures: 2}
	r := NewRegistry()
	r.Register(&Tool{
		Name:     "write_thing",
		Mutation: &MutationSpec{TargetType: "thing", TargetArg: "id", Action: "write"},
		Handler:  okHandler,
	})
	d := newTestDispatcher(t, r, store, nil)
	state := NewTaskState("order-1", "executor")

	start := time.Now()
	d.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "write_thing", Arguments: map[string]any{"id": "x"}}, state)

	if recs := store.recorded(); len(recs) != 1 {
		t.Fatalf("record should land after retries, got %d", len(recs))
	}
	if elapsed := time.Since(start); elapsed < recordBackoff {
		t.Errorf("retry should back off, elapsed %v", elapsed)
	}
}

func TestDispatchTerminalFlag(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "finish", Terminal: true, Handler: okHandler})
	d := newTestDispatcher(t, r, nil, nil)
	state := NewTaskState("order-1", "executor")

	out := d.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "finish"}, state)
	if !out.Terminal {
		t.Error("terminal tool should mark the outcome terminal")
	}
}

func TestProxyReroutesAndFallsBack(t *testing.T) {
	var proxyCalls, localCalls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		proxyCalls++
		var pr proxyRequest
		if err := json.NewDecoder(req.Body).Decode(&pr); err != nil {
			t.Errorf("decode proxy request: %v", err)
		}
		if proxyCalls == 1 {
			json.NewEncoder(w).Encode(proxyResponse{OK: true, Content: "from proxy"})
			return
		}
		http.Error(w, "proxy down", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewRegistry()
	r.Register(&Tool{
		Name: "rerouted",
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			localCalls++
			return &Result{OK: true, Content: "from local"}, nil
		},
	})

	proxy := NewProxy(srv.URL, 5*time.Second, []string{"rerouted"}, nil)
	d := newTestDispatcher(t, r, nil, proxy)
	state := NewTaskState("order-1", "executor")

	// First call succeeds through the proxy.
	out := d.Dispatch(context.Background(), llm.ToolCall{ID: "c1", Name: "rerouted"}, state)
	if out.Result.Content != "from proxy" {
		t.Errorf("content = %q, want from proxy", out.Result.Content)
	}
	if localCalls != 0 {
		t.Errorf("local handler ran %d times, want 0", localCalls)
	}

	// Second call hits a failing proxy and falls back locally.
	out = d.Dispatch(context.Background(), llm.ToolCall{ID: "c2", Name: "rerouted"}, state)
	if out.Result.Content != "from local" {
		t.Errorf("content = %q, want from local", out.Result.Content)
	}
	if localCalls != 1 {
		t.Errorf("local handler ran %d times, want 1", localCalls)
	}
}

func TestNewProxyDisabled(t *testing.T) {
	if p := NewProxy("", 0, []string{"x"}, nil); p != nil {
		t.Error("empty URL should disable the proxy")
	}
	if p := NewProxy("http://localhost:9", 0, nil, nil); p != nil {
		t.Error("no tool names should disable the proxy")
	}

	var p *Proxy
	if p.Handles("anything") {
		t.Error("nil proxy should handle nothing")
	}
}
