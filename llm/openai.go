// ABOUTME: OpenAI-compatible provider adapter built on the official openai-go SDK.
// ABOUTME: Streams Chat Completions chunks and converts them to unified provider events.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter talks to the OpenAI Chat Completions API, or any backend
// that speaks the same wire format behind a custom base URL.
type OpenAIAdapter struct {
	client openai.Client
	name   string
}

// NewOpenAIAdapter builds an adapter for api.openai.com, or for baseURL
// when non-empty.
func NewOpenAIAdapter(apiKey, baseURL string) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		name:   "openai",
	}
}

// Name implements ProviderAdapter.
func (a *OpenAIAdapter) Name() string { return a.name }

// Close implements ProviderAdapter.
func (a *OpenAIAdapter) Close() error { return nil }

// Complete implements ProviderAdapter.
func (a *OpenAIAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	params := convertRequest(req)
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.mapError(err)
	}
	return convertCompletion(resp), nil
}

// ChatStream implements ProviderAdapter.
func (a *OpenAIAdapter) ChatStream(ctx context.Context, req *Request) (<-chan ProviderEvent, error) {
	params := convertRequest(req)
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	events := make(chan ProviderEvent, streamChanBuffer)

	go func() {
		defer close(events)

		var acc openai.ChatCompletionAccumulator
		begun := map[int64]bool{}
		finish := ""

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

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
					events <- ProviderEvent{
						Type:  EventToolCallBegin,
						Index: int(tc.Index),
						ToolCall: &ToolCall{
							ID:   tc.ID,
							Name: tc.Function.Name,
						},
					}
				}
				if tc.Function.Arguments != "" {
					events <- ProviderEvent{
						Type:  EventToolCallArgumentsDelta,
						Index: int(tc.Index),
						Delta: tc.Function.Arguments,
					}
				}
			}

			if tool, ok := acc.JustFinishedToolCall(); ok {
				events <- ProviderEvent{
					Type:  EventToolCallEnd,
					Index: int(tool.Index),
					ToolCall: &ToolCall{
						ID:        tool.ID,
						Name:      tool.Name,
						Arguments: json.RawMessage(tool.Arguments),
					},
				}
			}

			if choice.FinishReason != "" {
				finish = mapOpenAIFinish(choice.FinishReason)
			}
		}

		if err := stream.Err(); err != nil {
			events <- ProviderEvent{Type: EventError, Err: a.mapError(err)}
			return
		}

		done := ProviderEvent{Type: EventDone, FinishReason: finish}
		if done.FinishReason == "" {
			done.FinishReason = FinishStop
		}
		if acc.Usage.TotalTokens > 0 {
			done.Usage = &Usage{
				InputTokens:  int(acc.Usage.PromptTokens),
				OutputTokens: int(acc.Usage.CompletionTokens),
				TotalTokens:  int(acc.Usage.TotalTokens),
			}
		}
		events <- done
	}()

	return events, nil
}

// mapError converts SDK errors into the unified taxonomy.
func (a *OpenAIAdapter) mapError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return ErrorFromStatusCode(apierr.StatusCode, apierr.Message, a.name, apierr.Code, nil, nil)
	}
	return NewNetworkError(a.name, err)
}

// convertRequest maps a unified Request onto ChatCompletionNewParams.
func convertRequest(req *Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	for _, msg := range req.Messages {
		messages = append(messages, convertMessage(msg))
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if len(tool.InputSchema) > 0 {
				if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
					log.Printf("component=llm.openai action=bad_tool_schema tool=%s err=%v", tool.Name, err)
					schema = map[string]any{"type": "object"}
				}
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	return params
}

// convertMessage maps one unified message to the SDK's param union.
func convertMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	switch msg.Role {
	case RoleSystem:
		return openai.SystemMessage(msg.Content)
	case RoleTool:
		return openai.ToolMessage(msg.Content, msg.ToolCallID)
	case RoleAssistant:
		if len(msg.ToolCalls) > 0 {
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			asst := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			if msg.Content != "" {
				asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
		}
		return openai.AssistantMessage(msg.Content)
	default:
		return openai.UserMessage(msg.Content)
	}
}

// convertCompletion maps a blocking SDK result to the unified Response.
func convertCompletion(resp *openai.ChatCompletion) *Response {
	out := &Response{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: "openai",
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) == 0 {
		out.FinishReason = FinishStop
		return out
	}

	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = mapOpenAIFinish(string(choice.FinishReason))

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
	return out
}

// mapOpenAIFinish converts a chat finish_reason to the unified form.
func mapOpenAIFinish(reason string) string {
	switch reason {
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "":
		return ""
	default:
		return FinishOther
	}
}

var _ ProviderAdapter = (*OpenAIAdapter)(nil)
