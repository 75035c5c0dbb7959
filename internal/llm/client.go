package llm

import "context"

// Client is the interface both provider adapters implement. Adapters are
// pure translation: no retry and no history policy, that lives in the
// runner, which must behave identically for either protocol.
type Client interface {
	// Complete performs one completion call.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Ping checks if the provider is reachable with the configured credentials.
	Ping(ctx context.Context) error
}
