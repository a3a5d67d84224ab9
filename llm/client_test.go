// ABOUTME: Tests for the multi-provider client registry and routing.
// ABOUTME: Uses an in-memory fake adapter; covers defaults, unknown providers, and retry wiring.
package llm

import (
	"context"
	"errors"
	"testing"
)

type fakeAdapter struct {
	name     string
	calls    int
	failures int
	resp     *Response
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, ErrorFromStatusCode(500, "transient", f.name, "", nil, nil)
	}
	return f.resp, nil
}

func (f *fakeAdapter) ChatStream(ctx context.Context, req *Request) (<-chan ProviderEvent, error) {
	ch := make(chan ProviderEvent, 4)
	ch <- ProviderEvent{Type: EventContentDelta, Delta: f.resp.Content}
	ch <- ProviderEvent{Type: EventDone, FinishReason: FinishStop}
	close(ch)
	return ch, nil
}

func TestClientRoutesToDefaultProvider(t *testing.T) {
	fake := &fakeAdapter{name: "fake", resp: &Response{Content: "ok"}}
	c := NewClient(WithProvider(fake))

	resp, err := c.Complete(context.Background(), "", &Request{Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	c := NewClient(WithProvider(&fakeAdapter{name: "fake", resp: &Response{}}))

	_, err := c.Complete(context.Background(), "nope", &Request{})
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestClientCompleteRetriesTransientFailures(t *testing.T) {
	fake := &fakeAdapter{name: "fake", failures: 2, resp: &Response{Content: "eventually"}}
	c := NewClient(
		WithProvider(fake),
		WithRetryPolicy(&RetryPolicy{MaxRetries: 2, BaseDelay: 1, MaxDelay: 1, BackoffMultiplier: 1.0}),
	)

	resp, err := c.Complete(context.Background(), "fake", &Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "eventually" || fake.calls != 3 {
		t.Errorf("content=%q calls=%d", resp.Content, fake.calls)
	}
}

func TestClientChatStream(t *testing.T) {
	fake := &fakeAdapter{name: "fake", resp: &Response{Content: "streamed"}}
	c := NewClient(WithProvider(fake), WithDefaultProvider("fake"))

	events, err := c.ChatStream(context.Background(), "", &Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := Drain(context.Background(), events, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "streamed" {
		t.Errorf("content = %q", resp.Content)
	}
}
