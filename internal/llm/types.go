// Package llm provides the canonical completion-call representation and
// the provider adapters that translate it to and from the two supported
// wire protocols. The canonical shape is deliberately independent of
// either protocol so round-trips are lossless in both directions.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role identifies who produced a turn.
type Role string

const (
	// RoleAssistant is a model-authored turn.
	RoleAssistant Role = "assistant"
	// RoleEnvironment is a turn authored by the tool environment:
	// the task statement, injected instructions, and tool results.
	RoleEnvironment Role = "environment"
)

// StopReason describes why the model stopped producing output.
type StopReason string

const (
	// StopEnd means the model finished its turn normally.
	StopEnd StopReason = "end"
	// StopToolUse means the model is requesting tool invocations.
	StopToolUse StopReason = "tool_use"
	// StopTruncated means output was cut off by the token limit.
	StopTruncated StopReason = "truncated"
)

// BlockType discriminates the content block variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
)

// ToolCall is a model-requested tool invocation. ID is assigned by the
// provider and must survive the round-trip into the matching ToolResult,
// regardless of which wire protocol is in use.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the environment's answer to a ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	OK      bool   `json:"ok"`
	Content string `json:"content"`
}

// Block is one unit of turn content.
type Block struct {
	Type       BlockType   `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextBlock constructs a text block.
func TextBlock(s string) Block {
	return Block{Type: BlockText, Text: s}
}

// Turn is one exchange entry: a role plus an ordered sequence of blocks.
type Turn struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// ToolCalls returns the tool-call blocks of the turn, in order.
func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range t.Blocks {
		if b.Type == BlockToolCall && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// ResultFor reports whether the turn carries a tool result for callID.
func (t Turn) ResultFor(callID string) bool {
	for _, b := range t.Blocks {
		if b.Type == BlockToolResult && b.ToolResult != nil && b.ToolResult.CallID == callID {
			return true
		}
	}
	return false
}

// Text concatenates the turn's text blocks.
func (t Turn) Text() string {
	var s string
	for _, b := range t.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// ToolSchema declares one tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one completion call in canonical form.
type Request struct {
	Model  string
	System string
	Turns  []Turn
	Tools  []ToolSchema
	// MaxTokens caps the response length. Zero means provider default.
	MaxTokens int
}

// Response is one completion result in canonical form.
type Response struct {
	Model        string
	StopReason   StopReason
	Blocks       []Block
	InputTokens  int
	OutputTokens int
}

// Turn converts the response content into an assistant turn.
func (r *Response) Turn() Turn {
	return Turn{Role: RoleAssistant, Blocks: r.Blocks}
}

// ToolCalls returns the tool calls requested by the response.
func (r *Response) ToolCalls() []ToolCall {
	return r.Turn().ToolCalls()
}
