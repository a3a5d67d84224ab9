// ABOUTME: Anthropic Messages API adapter speaking raw HTTP with the local SSE parser.
// ABOUTME: Translates unified messages to tool_use/tool_result blocks and stream events back.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/2389-research/stampede/llm/sse"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultMaxTok  = 4096
)

// AnthropicAdapter talks to the Anthropic Messages API.
type AnthropicAdapter struct {
	BaseAdapter
}

// AnthropicOption configures the adapter.
type AnthropicOption func(*AnthropicAdapter)

// WithAnthropicBaseURL overrides the API endpoint.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(a *AnthropicAdapter) { a.BaseURL = url }
}

// NewAnthropicAdapter builds an adapter for the Anthropic API.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) *AnthropicAdapter {
	a := &AnthropicAdapter{BaseAdapter: NewBaseAdapter(apiKey, anthropicDefaultBaseURL)}
	a.DefaultHeaders = map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements ProviderAdapter.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Close implements ProviderAdapter.
func (a *AnthropicAdapter) Close() error { return nil }

// Complete implements ProviderAdapter.
func (a *AnthropicAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	body := a.buildRequestBody(req, false)
	resp, err := a.DoRequest(ctx, "/v1/messages", body, false)
	if err != nil {
		return nil, NewNetworkError(a.Name(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(a.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.parseError(resp.StatusCode, data, resp.Header)
	}
	return a.parseResponse(data)
}

// ChatStream implements ProviderAdapter.
func (a *AnthropicAdapter) ChatStream(ctx context.Context, req *Request) (<-chan ProviderEvent, error) {
	body := a.buildRequestBody(req, true)
	resp, err := a.DoRequest(ctx, "/v1/messages", body, true)
	if err != nil {
		return nil, NewNetworkError(a.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		data := ReadErrorBody(resp)
		return nil, a.parseError(resp.StatusCode, data, resp.Header)
	}

	events := make(chan ProviderEvent, streamChanBuffer)
	go a.processStream(ctx, resp.Body, events)
	return events, nil
}

// buildRequestBody assembles the JSON payload for /v1/messages.
func (a *AnthropicAdapter) buildRequestBody(req *Request, stream bool) map[string]any {
	system, rest := ExtractSystemMessages(req.Messages)

	body := map[string]any{
		"model":    req.Model,
		"messages": a.translateMessages(rest),
	}
	maxTokens := anthropicDefaultMaxTok
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	body["max_tokens"] = maxTokens

	if system != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if stream {
		body["stream"] = true
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			schema := json.RawMessage(`{"type":"object"}`)
			if len(t.InputSchema) > 0 {
				schema = t.InputSchema
			}
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		body["tools"] = tools
	}

	return body
}

// translateMessages converts unified messages to Anthropic wire messages.
// Tool results become user-role tool_result blocks; consecutive tool
// results collapse into one user message as the API requires.
func (a *AnthropicAdapter) translateMessages(messages []Message) []map[string]any {
	var out []map[string]any

	appendToolResult := func(m Message) {
		block := map[string]any{
			"type":        "tool_result",
			"tool_use_id": m.ToolCallID,
			"content":     m.Content,
		}
		if m.IsError {
			block["is_error"] = true
		}
		if len(out) > 0 {
			last := out[len(out)-1]
			if last["role"] == "user" {
				if blocks, ok := last["content"].([]map[string]any); ok && len(blocks) > 0 && blocks[0]["type"] == "tool_result" {
					last["content"] = append(blocks, block)
					return
				}
			}
		}
		out = append(out, map[string]any{
			"role":    "user",
			"content": []map[string]any{block},
		})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleTool:
			appendToolResult(m)

		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, map[string]any{"role": "assistant", "content": m.Content})
				continue
			}
			var blocks []map[string]any
			if m.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Arguments) > 0 {
					var parsed any
					if err := json.Unmarshal(tc.Arguments, &parsed); err == nil {
						input = parsed
					}
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			out = append(out, map[string]any{"role": "assistant", "content": blocks})

		default:
			out = append(out, map[string]any{"role": "user", "content": m.Content})
		}
	}

	return out
}

// anthropicResponse is the non-streaming /v1/messages response shape.
type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// parseResponse converts a /v1/messages body into the unified Response.
func (a *AnthropicAdapter) parseResponse(body []byte) (*Response, error) {
	var raw anthropicResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	resp := &Response{
		ID:           raw.ID,
		Model:        raw.Model,
		Provider:     a.Name(),
		FinishReason: mapAnthropicStop(raw.StopReason),
		Usage: Usage{
			InputTokens:  raw.Usage.InputTokens,
			OutputTokens: raw.Usage.OutputTokens,
			TotalTokens:  raw.Usage.InputTokens + raw.Usage.OutputTokens,
		},
	}
	for _, block := range raw.Content {
		switch block.Type {
		case "text":
			if resp.Content != "" {
				resp.Content += "\n"
			}
			resp.Content += block.Text
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return resp, nil
}

// mapAnthropicStop converts a stop_reason to the unified finish reason.
func mapAnthropicStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return FinishOther
	}
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseError maps an error body to the unified taxonomy.
func (a *AnthropicAdapter) parseError(statusCode int, body []byte, headers http.Header) error {
	retryAfter := RetryAfterHeader(headers)
	var errResp anthropicErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return ErrorFromStatusCode(statusCode, fmt.Sprintf("HTTP %d", statusCode), a.Name(), "", json.RawMessage(body), retryAfter)
	}
	return ErrorFromStatusCode(statusCode, errResp.Error.Message, a.Name(), errResp.Error.Type, json.RawMessage(body), retryAfter)
}

// processStream reads SSE events from the body and emits provider events.
// Closes the channel and body when done.
func (a *AnthropicAdapter) processStream(ctx context.Context, body io.ReadCloser, events chan<- ProviderEvent) {
	defer close(events)
	defer body.Close()

	parser := sse.NewParser(body)

	// Anthropic block index -> our tool call slot, and block kind by index.
	toolSlot := map[int]int{}
	blockKind := map[int]string{}
	nextSlot := 0
	finish := ""
	var outputTokens int

	for {
		select {
		case <-ctx.Done():
			events <- ProviderEvent{Type: EventError, Err: ctx.Err()}
			return
		default:
		}

		event, err := parser.Next()
		if err != nil {
			if err == io.EOF {
				done := ProviderEvent{Type: EventDone, FinishReason: finish}
				if done.FinishReason == "" {
					done.FinishReason = FinishStop
				}
				if outputTokens > 0 {
					done.Usage = &Usage{OutputTokens: outputTokens, TotalTokens: outputTokens}
				}
				events <- done
				return
			}
			events <- ProviderEvent{Type: EventError, Err: NewStreamError(a.Name(), err)}
			return
		}

		switch event.Type {
		case "content_block_start":
			var data struct {
				Index        int `json:"index"`
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			if err := json.Unmarshal([]byte(event.Data), &data); err != nil {
				continue
			}
			blockKind[data.Index] = data.ContentBlock.Type
			if data.ContentBlock.Type == "tool_use" {
				toolSlot[data.Index] = nextSlot
				nextSlot++
				events <- ProviderEvent{
					Type:  EventToolCallBegin,
					Index: toolSlot[data.Index],
					ToolCall: &ToolCall{
						ID:   data.ContentBlock.ID,
						Name: data.ContentBlock.Name,
					},
				}
			}

		case "content_block_delta":
			var data struct {
				Index int `json:"index"`
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(event.Data), &data); err != nil {
				continue
			}
			switch data.Delta.Type {
			case "text_delta":
				events <- ProviderEvent{Type: EventContentDelta, Delta: data.Delta.Text}
			case "input_json_delta":
				events <- ProviderEvent{
					Type:  EventToolCallArgumentsDelta,
					Index: toolSlot[data.Index],
					Delta: data.Delta.PartialJSON,
				}
			}

		case "content_block_stop":
			var data struct {
				Index int `json:"index"`
			}
			if err := json.Unmarshal([]byte(event.Data), &data); err != nil {
				continue
			}
			if blockKind[data.Index] == "tool_use" {
				events <- ProviderEvent{Type: EventToolCallEnd, Index: toolSlot[data.Index]}
			}

		case "message_delta":
			var data struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(event.Data), &data); err != nil {
				continue
			}
			if data.Delta.StopReason != "" {
				finish = mapAnthropicStop(data.Delta.StopReason)
			}
			if data.Usage.OutputTokens > 0 {
				outputTokens = data.Usage.OutputTokens
			}

		case "error":
			var data struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			_ = json.Unmarshal([]byte(event.Data), &data)
			events <- ProviderEvent{Type: EventError, Err: NewStreamError(a.Name(), fmt.Errorf("%s: %s", data.Error.Type, data.Error.Message))}
			return
		}
	}
}

var _ ProviderAdapter = (*AnthropicAdapter)(nil)
