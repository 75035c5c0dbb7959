package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/runefall/foreman/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 8192
)

// AnthropicClient adapts the canonical representation to the Anthropic
// Messages API (native tool-calling protocol).
type AnthropicClient struct {
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic adapter.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Model responses can take significant time before sending headers
	// (thinking, long prompts). Use a custom transport with a generous
	// response header timeout and rely on ctx deadlines for cancellation.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey: apiKey,
		logger: logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Anthropic request/response types

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Complete performs one completion call against the Messages API.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	wireReq := anthropicRequest{
		Model:     req.Model,
		Messages:  turnsToAnthropic(req.Turns),
		System:    req.System,
		MaxTokens: maxTokens,
		Tools:     toolsToAnthropic(req.Tools),
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wireReq.Messages),
		"tools", len(wireReq.Tools),
		"system_len", len(req.System),
	)

	body, err := c.post(ctx, wireReq)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var wireResp anthropicResponse
	if err := json.NewDecoder(body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	resp := responseFromAnthropic(&wireResp)
	c.logger.Debug("response received",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.ToolCalls()),
	)
	return resp, nil
}

// Ping checks if the Anthropic API is reachable. There is no dedicated
// health endpoint, so send a minimal request to verify the API key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	req := anthropicRequest{
		Model: "claude-haiku-4-5",
		Messages: []anthropicMessage{{
			Role:    "user",
			Content: []anthropicContent{{Type: "text", Text: "ping"}},
		}},
		MaxTokens: 1,
	}

	body, err := c.post(ctx, req)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(body, 4096)
	return nil
}

func (c *AnthropicClient) post(ctx context.Context, req anthropicRequest) (io.ReadCloser, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", anthropicAPIURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: "anthropic", Status: resp.StatusCode, Body: errBody}
	}

	return resp.Body, nil
}

// turnsToAnthropic converts canonical turns to Anthropic messages.
// Environment turns map to the "user" role; tool results become
// tool_result content blocks keyed by tool_use_id.
func turnsToAnthropic(turns []Turn) []anthropicMessage {
	var result []anthropicMessage

	for _, turn := range turns {
		role := "user"
		if turn.Role == RoleAssistant {
			role = "assistant"
		}

		var blocks []anthropicContent
		for _, b := range turn.Blocks {
			switch b.Type {
			case BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropicContent{Type: "text", Text: b.Text})
				}
			case BlockToolCall:
				if b.ToolCall == nil {
					continue
				}
				args := b.ToolCall.Arguments
				if args == nil {
					args = map[string]any{}
				}
				input, err := json.Marshal(args)
				if err != nil {
					input = []byte("{}")
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    b.ToolCall.ID,
					Name:  b.ToolCall.Name,
					Input: input,
				})
			case BlockToolResult:
				if b.ToolResult == nil {
					continue
				}
				blocks = append(blocks, anthropicContent{
					Type:      "tool_result",
					ToolUseID: b.ToolResult.CallID,
					Content:   b.ToolResult.Content,
					IsError:   !b.ToolResult.OK,
				})
			}
		}

		if len(blocks) == 0 {
			continue
		}
		result = append(result, anthropicMessage{Role: role, Content: blocks})
	}

	return result
}

// toolsToAnthropic converts canonical tool schemas to Anthropic format.
func toolsToAnthropic(tools []ToolSchema) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}

	result := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: params,
		})
	}
	return result
}

// responseFromAnthropic converts a Messages API response to canonical form.
func responseFromAnthropic(resp *anthropicResponse) *Response {
	var blocks []Block

	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			blocks = append(blocks, TextBlock(c.Text))
		case "tool_use":
			var args map[string]any
			if len(c.Input) > 0 {
				if err := json.Unmarshal(c.Input, &args); err != nil {
					args = map[string]any{"_raw": string(c.Input)}
				}
			}
			blocks = append(blocks, Block{
				Type: BlockToolCall,
				ToolCall: &ToolCall{
					ID:        c.ID,
					Name:      c.Name,
					Arguments: args,
				},
			})
		}
	}

	return &Response{
		Model:        resp.Model,
		StopReason:   stopReasonFromAnthropic(resp.StopReason),
		Blocks:       blocks,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}

func stopReasonFromAnthropic(s string) StopReason {
	switch s {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopTruncated
	default:
		// end_turn, stop_sequence
		return StopEnd
	}
}
