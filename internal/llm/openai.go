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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient adapts the canonical representation to the OpenAI-style
// chat-completions protocol. Any endpoint speaking that shape works via
// the configurable base URL.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new chat-completions adapter. An empty
// baseURL targets the OpenAI API.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		logger:  logger.With("provider", "openai"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// OpenAI request/response types

type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	Tools     []openaiTool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_completion_tokens,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded string, per protocol
}

type openaiTool struct {
	Type     string            `json:"type"`
	Function openaiFunctionDef `json:"function"`
}

type openaiFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Complete performs one completion call against the chat-completions API.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	wireReq := openaiRequest{
		Model:     req.Model,
		Messages:  turnsToOpenAI(req.System, req.Turns),
		Tools:     toolsToOpenAI(req.Tools),
		MaxTokens: req.MaxTokens,
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(wireReq.Messages),
		"tools", len(wireReq.Tools),
	)

	body, err := c.post(ctx, wireReq)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var wireResp openaiResponse
	if err := json.NewDecoder(body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(wireResp.Choices) == 0 {
		return nil, fmt.Errorf("openai response contained no choices")
	}

	resp := responseFromOpenAI(&wireResp)
	c.logger.Debug("response received",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.ToolCalls()),
	)
	return resp, nil
}

// Ping checks if the endpoint is reachable with the configured key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "openai", Status: resp.StatusCode, Body: ""}
	}
	return nil
}

func (c *OpenAIClient) post(ctx context.Context, req openaiRequest) (io.ReadCloser, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: "openai", Status: resp.StatusCode, Body: errBody}
	}

	return resp.Body, nil
}

// turnsToOpenAI converts canonical turns to chat-completion messages.
// The system prompt becomes a leading system message. An environment
// turn fans out into one tool message per tool result plus a user
// message for any free text, preserving block order where the protocol
// allows it.
func turnsToOpenAI(system string, turns []Turn) []openaiMessage {
	var result []openaiMessage

	if system != "" {
		result = append(result, openaiMessage{Role: "system", Content: system})
	}

	for _, turn := range turns {
		if turn.Role == RoleAssistant {
			msg := openaiMessage{Role: "assistant"}
			for _, b := range turn.Blocks {
				switch b.Type {
				case BlockText:
					msg.Content += b.Text
				case BlockToolCall:
					if b.ToolCall == nil {
						continue
					}
					args := b.ToolCall.Arguments
					if args == nil {
						args = map[string]any{}
					}
					argJSON, err := json.Marshal(args)
					if err != nil {
						argJSON = []byte("{}")
					}
					msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
						ID:   b.ToolCall.ID,
						Type: "function",
						Function: openaiFunction{
							Name:      b.ToolCall.Name,
							Arguments: string(argJSON),
						},
					})
				}
			}
			result = append(result, msg)
			continue
		}

		// Environment turn: tool results first (the protocol requires
		// them to directly follow the assistant's tool_calls message),
		// then any free text as a user message.
		var text string
		for _, b := range turn.Blocks {
			switch b.Type {
			case BlockToolResult:
				if b.ToolResult == nil {
					continue
				}
				content := b.ToolResult.Content
				if !b.ToolResult.OK {
					content = "ERROR: " + content
				}
				result = append(result, openaiMessage{
					Role:       "tool",
					Content:    content,
					ToolCallID: b.ToolResult.CallID,
				})
			case BlockText:
				text += b.Text
			}
		}
		if text != "" {
			result = append(result, openaiMessage{Role: "user", Content: text})
		}
	}

	return result
}

// toolsToOpenAI converts canonical tool schemas to chat-completion format.
func toolsToOpenAI(tools []ToolSchema) []openaiTool {
	if len(tools) == 0 {
		return nil
	}

	result := make([]openaiTool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openaiTool{
			Type: "function",
			Function: openaiFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

// responseFromOpenAI converts a chat-completions response to canonical form.
func responseFromOpenAI(resp *openaiResponse) *Response {
	choice := resp.Choices[0]

	var blocks []Block
	if choice.Message.Content != "" {
		blocks = append(blocks, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		blocks = append(blocks, Block{
			Type: BlockToolCall,
			ToolCall: &ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}

	return &Response{
		Model:        resp.Model,
		StopReason:   stopReasonFromOpenAI(choice.FinishReason, len(choice.Message.ToolCalls) > 0),
		Blocks:       blocks,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
}

func stopReasonFromOpenAI(finish string, hasToolCalls bool) StopReason {
	switch finish {
	case "tool_calls":
		return StopToolUse
	case "length":
		return StopTruncated
	default:
		// Some endpoints report "stop" even when tool calls are present.
		if hasToolCalls {
			return StopToolUse
		}
		return StopEnd
	}
}
