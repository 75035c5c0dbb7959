package llm

import "testing"

func TestTurnToolCalls(t *testing.T) {
	turn := Turn{
		Role: RoleAssistant,
		Blocks: []Block{
			TextBlock("working on it"),
			{Type: BlockToolCall, ToolCall: &ToolCall{ID: "c1", Name: "read_file"}},
			{Type: BlockToolCall, ToolCall: &ToolCall{ID: "c2", Name: "write_file"}},
		},
	}

	calls := turn.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("ToolCalls() len = %d, want 2", len(calls))
	}
	if calls[0].ID != "c1" || calls[1].ID != "c2" {
		t.Errorf("ToolCalls() order wrong: %v", calls)
	}
}

func TestTurnResultFor(t *testing.T) {
	turn := Turn{
		Role: RoleEnvironment,
		Blocks: []Block{
			{Type: BlockToolResult, ToolResult: &ToolResult{CallID: "c1", OK: true, Content: "ok"}},
		},
	}

	if !turn.ResultFor("c1") {
		t.Error("ResultFor(c1) = false, want true")
	}
	if turn.ResultFor("c2") {
		t.Error("ResultFor(c2) = true, want false")
	}
}

func TestTurnText(t *testing.T) {
	turn := Turn{
		Role: RoleAssistant,
		Blocks: []Block{
			TextBlock("part one "),
			{Type: BlockToolCall, ToolCall: &ToolCall{ID: "c1", Name: "noop"}},
			TextBlock("part two"),
		},
	}
	if got := turn.Text(); got != "part one part two" {
		t.Errorf("Text() = %q", got)
	}
}
