package llm

import (
	"encoding/json"
	"testing"
)

func sampleTurns() []Turn {
	return []Turn{
		{Role: RoleEnvironment, Blocks: []Block{TextBlock("Objective: close stale issues")}},
		{Role: RoleAssistant, Blocks: []Block{
			TextBlock("Listing issues first."),
			{Type: BlockToolCall, ToolCall: &ToolCall{
				ID:        "toolu_abc123",
				Name:      "list_issues",
				Arguments: map[string]any{"state": "open"},
			}},
		}},
		{Role: RoleEnvironment, Blocks: []Block{
			{Type: BlockToolResult, ToolResult: &ToolResult{
				CallID:  "toolu_abc123",
				OK:      false,
				Content: "rate limited",
			}},
		}},
	}
}

func TestTurnsToAnthropicPreservesCallIDs(t *testing.T) {
	msgs := turnsToAnthropic(sampleTurns())

	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[1].Role != "assistant" {
		t.Errorf("msgs[1].Role = %q, want assistant", msgs[1].Role)
	}

	var toolUse *anthropicContent
	for i := range msgs[1].Content {
		if msgs[1].Content[i].Type == "tool_use" {
			toolUse = &msgs[1].Content[i]
		}
	}
	if toolUse == nil {
		t.Fatal("assistant message has no tool_use block")
	}
	if toolUse.ID != "toolu_abc123" {
		t.Errorf("tool_use ID = %q, want toolu_abc123", toolUse.ID)
	}

	result := msgs[2].Content[0]
	if result.Type != "tool_result" {
		t.Fatalf("msgs[2] block type = %q, want tool_result", result.Type)
	}
	if result.ToolUseID != "toolu_abc123" {
		t.Errorf("tool_result tool_use_id = %q, want toolu_abc123", result.ToolUseID)
	}
	if !result.IsError {
		t.Error("failed tool result not marked is_error")
	}
}

func TestResponseFromAnthropicRoundTrip(t *testing.T) {
	wire := &anthropicResponse{
		Model:      "claude-sonnet-4-5",
		StopReason: "tool_use",
		Content: []anthropicContent{
			{Type: "text", Text: "Checking the repo."},
			{Type: "tool_use", ID: "toolu_xyz", Name: "get_issue", Input: json.RawMessage(`{"number": 7}`)},
		},
		Usage: anthropicUsage{InputTokens: 120, OutputTokens: 45},
	}

	resp := responseFromAnthropic(wire)

	if resp.StopReason != StopToolUse {
		t.Errorf("StopReason = %q, want %q", resp.StopReason, StopToolUse)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	if calls[0].ID != "toolu_xyz" {
		t.Errorf("call ID = %q, want toolu_xyz", calls[0].ID)
	}
	if n, ok := calls[0].Arguments["number"].(float64); !ok || n != 7 {
		t.Errorf("arguments = %v, want number=7", calls[0].Arguments)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 45 {
		t.Errorf("usage = %d/%d, want 120/45", resp.InputTokens, resp.OutputTokens)
	}

	// The canonical turn must convert back without losing the call ID.
	back := turnsToAnthropic([]Turn{resp.Turn()})
	if len(back) != 1 {
		t.Fatalf("got %d messages, want 1", len(back))
	}
	found := false
	for _, c := range back[0].Content {
		if c.Type == "tool_use" && c.ID == "toolu_xyz" {
			found = true
		}
	}
	if !found {
		t.Error("call ID lost on conversion back to wire format")
	}
}

func TestStopReasonFromAnthropic(t *testing.T) {
	tests := []struct {
		in   string
		want StopReason
	}{
		{"end_turn", StopEnd},
		{"stop_sequence", StopEnd},
		{"tool_use", StopToolUse},
		{"max_tokens", StopTruncated},
	}
	for _, tt := range tests {
		if got := stopReasonFromAnthropic(tt.in); got != tt.want {
			t.Errorf("stopReasonFromAnthropic(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTurnsToAnthropicSkipsEmptyTurns(t *testing.T) {
	msgs := turnsToAnthropic([]Turn{
		{Role: RoleEnvironment, Blocks: []Block{TextBlock("")}},
		{Role: RoleEnvironment, Blocks: []Block{TextBlock("real content")}},
	})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (empty turn dropped)", len(msgs))
	}
}
