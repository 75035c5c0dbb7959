package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/runefall/foreman/internal/httpkit"
	"github.com/runefall/foreman/internal/llm"
)

// Proxy reroutes named tools to an external endpoint that performs the
// same operation server-side (and writes an equivalent mutation record
// there). When the proxy is disabled, fails, or times out, the
// dispatcher falls back to local execution transparently.
type Proxy struct {
	url     string
	timeout time.Duration
	tools   map[string]bool
	client  *http.Client
	logger  *slog.Logger
}

// NewProxy creates a proxy for the named tools. A nil return means
// proxying is disabled entirely.
func NewProxy(url string, timeout time.Duration, toolNames []string, logger *slog.Logger) *Proxy {
	if url == "" || len(toolNames) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	tools := make(map[string]bool, len(toolNames))
	for _, name := range toolNames {
		tools[name] = true
	}

	return &Proxy{
		url:     url,
		timeout: timeout,
		tools:   tools,
		client:  httpkit.NewClient(httpkit.WithTimeout(timeout)),
		logger:  logger.With("component", "tool_proxy"),
	}
}

// Handles reports whether the named tool is rerouted. Nil-safe.
func (p *Proxy) Handles(name string) bool {
	return p != nil && p.tools[name]
}

type proxyRequest struct {
	OrderID   string         `json:"order_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

type proxyResponse struct {
	OK       bool   `json:"ok"`
	Content  string `json:"content"`
	Error    string `json:"error,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
}

// Call forwards one tool invocation to the proxy endpoint. The ctx
// deadline plus the proxy's own timeout bound the wait; a timeout is an
// error, never a hang.
func (p *Proxy) Call(ctx context.Context, orderID string, call llm.ToolCall) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(proxyRequest{
		OrderID:   orderID,
		Tool:      call.Name,
		Arguments: call.Arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal proxy request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		return nil, fmt.Errorf("proxy returned %d: %s", resp.StatusCode, errBody)
	}

	var pr proxyResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode proxy response: %w", err)
	}

	content := pr.Content
	if !pr.OK && pr.Error != "" {
		content = pr.Error
	}
	return &Result{OK: pr.OK, Content: content, Terminal: pr.Terminal}, nil
}
