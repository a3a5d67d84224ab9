// ABOUTME: Multi-provider client with a registry, functional options, and retrying Complete.
// ABOUTME: FromEnv wires adapters from OPENAI_API_KEY, ANTHROPIC_API_KEY, and LOCAL_LLM_BASE_URL.
package llm

import (
	"context"
	"fmt"
	"os"
)

// Client routes requests to registered provider adapters.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	retry           *RetryPolicy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers an adapter under its Name().
func WithProvider(adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[adapter.Name()] = adapter
		if c.defaultProvider == "" {
			c.defaultProvider = adapter.Name()
		}
	}
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithRetryPolicy overrides the default retry policy for Complete.
func WithRetryPolicy(p *RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// NewClient builds a client from options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]ProviderAdapter),
		retry:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromEnv builds a client from environment variables. OPENAI_API_KEY
// registers the OpenAI adapter, ANTHROPIC_API_KEY the Anthropic one, and
// LOCAL_LLM_BASE_URL a local OpenAI-wire-compatible backend. The first
// registered provider becomes the default.
func FromEnv() (*Client, error) {
	var opts []ClientOption
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		opts = append(opts, WithProvider(NewOpenAIAdapter(key, os.Getenv("OPENAI_BASE_URL"))))
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		opts = append(opts, WithProvider(NewAnthropicAdapter(key)))
	}
	if base := os.Getenv("LOCAL_LLM_BASE_URL"); base != "" {
		opts = append(opts, WithProvider(NewLocalAdapter(base)))
	}
	if len(opts) == 0 {
		return nil, NewConfigurationError("client", "no provider configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY, or LOCAL_LLM_BASE_URL")
	}
	return NewClient(opts...), nil
}

// Provider resolves an adapter by name; empty name means the default.
func (c *Client) Provider(name string) (ProviderAdapter, error) {
	if name == "" {
		name = c.defaultProvider
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, NewConfigurationError("client", fmt.Sprintf("unknown provider %q", name))
	}
	return adapter, nil
}

// Complete routes a blocking completion to the named provider, retrying
// retryable failures per the client's policy.
func (c *Client) Complete(ctx context.Context, provider string, req *Request) (*Response, error) {
	adapter, err := c.Provider(provider)
	if err != nil {
		return nil, err
	}
	var resp *Response
	err = c.retry.Do(ctx, func() error {
		var callErr error
		resp, callErr = adapter.Complete(ctx, req)
		return callErr
	})
	return resp, err
}

// ChatStream routes a streaming completion to the named provider. Streams
// are not retried; a failed stream surfaces as a terminal EventError.
func (c *Client) ChatStream(ctx context.Context, provider string, req *Request) (<-chan ProviderEvent, error) {
	adapter, err := c.Provider(provider)
	if err != nil {
		return nil, err
	}
	return adapter.ChatStream(ctx, req)
}

// Close closes all registered adapters.
func (c *Client) Close() error {
	var firstErr error
	for name, adapter := range c.providers {
		if err := adapter.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
	}
	return firstErr
}
