package llm

import (
	"context"
	"testing"
)

type recordingClient struct {
	name   string
	called *string
}

func (c *recordingClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	*c.called = c.name
	return &Response{StopReason: StopEnd}, nil
}

func (c *recordingClient) Ping(ctx context.Context) error { return nil }

func TestMuxRoutesByModelName(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-20250514", "anthropic"},
		{"Claude-Opus", "anthropic"},
		{"gpt-4o", "openai"},
		{"qwen2.5-coder", "openai"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			var called string
			m := NewMux(
				&recordingClient{name: "anthropic", called: &called},
				&recordingClient{name: "openai", called: &called},
			)
			if _, err := m.Complete(context.Background(), &Request{Model: tt.model}); err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			if called != tt.want {
				t.Errorf("routed to %s, want %s", called, tt.want)
			}
		})
	}
}

func TestMuxFallsBackToConfiguredProvider(t *testing.T) {
	var called string
	m := NewMux(nil, &recordingClient{name: "openai", called: &called})

	if _, err := m.Complete(context.Background(), &Request{Model: "claude-sonnet"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if called != "openai" {
		t.Errorf("routed to %s, want openai fallback", called)
	}
}

func TestMuxErrorsWithNoProviders(t *testing.T) {
	m := NewMux(nil, nil)
	if _, err := m.Complete(context.Background(), &Request{Model: "gpt-4o"}); err == nil {
		t.Error("expected an error with no providers configured")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("Ping should fail with no providers configured")
	}
}
