// ABOUTME: Adapter for self-hosted OpenAI-wire-compatible backends (ollama, vllm, llama.cpp).
// ABOUTME: Speaks raw HTTP chat completions with the local SSE parser; no API key required.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/2389-research/stampede/llm/sse"
)

// LocalAdapter talks to a local or self-hosted backend that implements the
// OpenAI chat completions wire format.
type LocalAdapter struct {
	BaseAdapter
}

// NewLocalAdapter builds an adapter rooted at baseURL (e.g.
// http://localhost:11434/v1 for ollama).
func NewLocalAdapter(baseURL string) *LocalAdapter {
	a := &LocalAdapter{BaseAdapter: NewBaseAdapter("", baseURL)}
	return a
}

// Name implements ProviderAdapter.
func (a *LocalAdapter) Name() string { return "local" }

// Close implements ProviderAdapter.
func (a *LocalAdapter) Close() error { return nil }

// chatWireRequest is the OpenAI chat completions request shape.
type chatWireRequest struct {
	Model       string            `json:"model"`
	Messages    []chatWireMessage `json:"messages"`
	Tools       []chatWireTool    `json:"tools,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

type chatWireMessage struct {
	Role       string             `json:"role"`
	Content    string             `json:"content"`
	ToolCalls  []chatWireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
}

type chatWireToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatWireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatWireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (a *LocalAdapter) buildRequest(req *Request, stream bool) chatWireRequest {
	wire := chatWireRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		wm := chatWireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wtc := chatWireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wire.Messages = append(wire.Messages, wm)
	}
	for _, t := range req.Tools {
		wt := chatWireTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.InputSchema
		wire.Tools = append(wire.Tools, wt)
	}
	return wire
}

// Complete implements ProviderAdapter.
func (a *LocalAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := a.DoRequest(ctx, "/chat/completions", a.buildRequest(req, false), false)
	if err != nil {
		return nil, NewNetworkError(a.Name(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewNetworkError(a.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrorFromStatusCode(resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode), a.Name(), "", json.RawMessage(data), RetryAfterHeader(resp.Header))
	}

	var raw struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   string             `json:"content"`
				ToolCalls []chatWireToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage chatWireUsage `json:"usage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	out := &Response{
		ID:       raw.ID,
		Model:    raw.Model,
		Provider: a.Name(),
		Usage: Usage{
			InputTokens:  raw.Usage.PromptTokens,
			OutputTokens: raw.Usage.CompletionTokens,
			TotalTokens:  raw.Usage.TotalTokens,
		},
		FinishReason: FinishStop,
	}
	if len(raw.Choices) > 0 {
		choice := raw.Choices[0]
		out.Content = choice.Message.Content
		out.FinishReason = mapOpenAIFinish(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			args := tc.Function.Arguments
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(args),
			})
		}
	}
	return out, nil
}

// ChatStream implements ProviderAdapter.
func (a *LocalAdapter) ChatStream(ctx context.Context, req *Request) (<-chan ProviderEvent, error) {
	resp, err := a.DoRequest(ctx, "/chat/completions", a.buildRequest(req, true), true)
	if err != nil {
		return nil, NewNetworkError(a.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		data := ReadErrorBody(resp)
		return nil, ErrorFromStatusCode(resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode), a.Name(), "", json.RawMessage(data), RetryAfterHeader(resp.Header))
	}

	events := make(chan ProviderEvent, streamChanBuffer)
	go a.processStream(ctx, resp.Body, events)
	return events, nil
}

// processStream parses chat completion chunk records until [DONE] or EOF.
func (a *LocalAdapter) processStream(ctx context.Context, body io.ReadCloser, events chan<- ProviderEvent) {
	defer close(events)
	defer body.Close()

	parser := sse.NewParser(body)
	begun := map[int]bool{}
	var begunOrder []int
	finish := ""
	var usage *Usage

	emitDone := func() {
		done := ProviderEvent{Type: EventDone, FinishReason: finish, Usage: usage}
		if done.FinishReason == "" {
			done.FinishReason = FinishStop
		}
		events <- done
	}

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
				emitDone()
				return
			}
			events <- ProviderEvent{Type: EventError, Err: NewStreamError(a.Name(), err)}
			return
		}
		if event.Data == "[DONE]" {
			emitDone()
			return
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content   string             `json:"content"`
					ToolCalls []chatWireToolCall `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *chatWireUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = &Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			events <- ProviderEvent{Type: EventContentDelta, Delta: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if !begun[tc.Index] && (tc.ID != "" || tc.Function.Name != "") {
				begun[tc.Index] = true
				begunOrder = append(begunOrder, tc.Index)
				id := tc.ID
				if id == "" {
					id = GenerateCallID()
				}
				events <- ProviderEvent{
					Type:  EventToolCallBegin,
					Index: tc.Index,
					ToolCall: &ToolCall{
						ID:   id,
						Name: tc.Function.Name,
					},
				}
			}
			if tc.Function.Arguments != "" {
				events <- ProviderEvent{
					Type:  EventToolCallArgumentsDelta,
					Index: tc.Index,
					Delta: tc.Function.Arguments,
				}
			}
		}
		if choice.FinishReason != "" {
			finish = mapOpenAIFinish(choice.FinishReason)
			for _, idx := range begunOrder {
				events <- ProviderEvent{Type: EventToolCallEnd, Index: idx}
			}
			begun = map[int]bool{}
			begunOrder = nil
		}
	}
}

var _ ProviderAdapter = (*LocalAdapter)(nil)
