package llm

import (
	"context"
	"fmt"
	"strings"
)

// Mux routes each request to the provider adapter that serves the
// requested model, so one runner can climb an escalation ladder that
// crosses providers. Model names starting with "claude" go to the
// Anthropic adapter; everything else goes to the OpenAI-compatible
// adapter. A missing adapter falls back to the other one.
type Mux struct {
	anthropic Client
	openai    Client
}

// NewMux creates a Mux. Either adapter may be nil; at least one must
// be set for Complete to succeed.
func NewMux(anthropic, openai Client) *Mux {
	return &Mux{anthropic: anthropic, openai: openai}
}

func (m *Mux) clientFor(model string) (Client, error) {
	preferred, fallback := m.openai, m.anthropic
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		preferred, fallback = m.anthropic, m.openai
	}
	if preferred != nil {
		return preferred, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("no provider configured for model %q", model)
}

// Complete implements Client.
func (m *Mux) Complete(ctx context.Context, req *Request) (*Response, error) {
	c, err := m.clientFor(req.Model)
	if err != nil {
		return nil, err
	}
	return c.Complete(ctx, req)
}

// Ping checks every configured provider and returns the first failure.
func (m *Mux) Ping(ctx context.Context) error {
	if m.anthropic == nil && m.openai == nil {
		return fmt.Errorf("no providers configured")
	}
	if m.anthropic != nil {
		if err := m.anthropic.Ping(ctx); err != nil {
			return fmt.Errorf("anthropic: %w", err)
		}
	}
	if m.openai != nil {
		if err := m.openai.Ping(ctx); err != nil {
			return fmt.Errorf("openai: %w", err)
		}
	}
	return nil
}
