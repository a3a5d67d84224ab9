// ABOUTME: ProviderAdapter interface and the BaseAdapter shared by raw-HTTP adapters.
// ABOUTME: Covers request plumbing, default timeouts, system prompt extraction, and message merging.
package llm

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProviderAdapter is implemented by each model backend integration.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic", "local").
	Name() string

	// Complete performs a blocking chat completion.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// ChatStream starts a streaming completion. The returned channel is
	// closed when the stream ends; an EventError is the final event on
	// failure.
	ChatStream(ctx context.Context, req *Request) (<-chan ProviderEvent, error)

	// Close releases any resources held by the adapter.
	Close() error
}

// Adapter timeout defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 120 * time.Second
	DefaultStreamIdle     = 30 * time.Second
)

// streamChanBuffer sizes the event channel every adapter returns.
const streamChanBuffer = 64

// BaseAdapter carries the HTTP plumbing shared by raw-HTTP provider adapters.
type BaseAdapter struct {
	APIKey         string
	BaseURL        string
	DefaultHeaders map[string]string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// NewBaseAdapter builds a BaseAdapter with default timeouts.
func NewBaseAdapter(apiKey, baseURL string) BaseAdapter {
	return BaseAdapter{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Timeout: DefaultRequestTimeout,
		HTTPClient: &http.Client{
			Timeout: DefaultRequestTimeout,
		},
	}
}

// DoRequest POSTs a JSON body to path under BaseURL and returns the raw
// response. Streaming callers pass stream=true to skip the client-wide
// timeout (the stream can legitimately outlive it).
func (b *BaseAdapter) DoRequest(ctx context.Context, path string, body any, stream bool) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range b.DefaultHeaders {
		req.Header.Set(k, v)
	}

	client := b.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if stream {
		// Per-request clients so the blocking timeout never cuts a stream.
		c := *client
		c.Timeout = 0
		client = &c
	}

	return client.Do(req)
}

// ReadErrorBody drains an error response so adapters can parse provider
// error payloads. The body is limited to 1MiB.
func ReadErrorBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return data
}

// RetryAfterHeader parses a Retry-After header into a duration, if present.
func RetryAfterHeader(h http.Header) *time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return nil
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs < 0 {
		return nil
	}
	d := time.Duration(secs) * time.Second
	return &d
}

// ExtractSystemMessages splits system messages out of a conversation,
// returning the concatenated system text and the remaining messages.
// Backends like Anthropic take the system prompt as a top-level field.
func ExtractSystemMessages(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// MergeConsecutiveMessages collapses adjacent messages with the same role
// into one, joining content with a blank line. Tool-bearing messages are
// never merged.
func MergeConsecutiveMessages(messages []Message) []Message {
	var out []Message
	for _, m := range messages {
		if len(out) > 0 {
			last := &out[len(out)-1]
			mergeable := last.Role == m.Role &&
				len(last.ToolCalls) == 0 && len(m.ToolCalls) == 0 &&
				last.ToolCallID == "" && m.ToolCallID == ""
			if mergeable {
				last.Content = last.Content + "\n\n" + m.Content
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// GenerateCallID creates a synthetic tool call ID for backends that do not
// supply one.
func GenerateCallID() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("call_%x", b)
}
