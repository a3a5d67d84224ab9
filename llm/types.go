// ABOUTME: Unified request/response/stream types shared by all model provider adapters.
// ABOUTME: Defines messages, tool calls, tool definitions, usage accounting, and provider stream events.
package llm

import (
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-issued request to invoke a named tool. Arguments hold
// the raw JSON object the model produced; callers decode it against the
// tool's input schema.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDef describes a tool offered to the model. InputSchema is a JSON
// Schema object in raw form so adapters can pass it through untouched.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Message is one turn of conversation in the unified format. Assistant
// messages may carry ToolCalls alongside Content; tool messages carry the
// result for ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message carrying optional tool calls.
func AssistantMessage(content string, toolCalls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// ToolResultMessage builds a tool-role message holding the result of one tool call.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID, IsError: isError}
}

// Request is a provider-independent chat completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []ToolDef `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// FinishReason values in unified form.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishOther     = "other"
)

// Usage counts tokens consumed by a request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is a provider-independent chat completion result.
type Response struct {
	ID           string     `json:"id,omitempty"`
	Model        string     `json:"model,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
}

// HasToolCalls reports whether the model asked for any tool invocations.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ProviderEventType discriminates the events an adapter emits while streaming.
type ProviderEventType string

const (
	EventContentDelta           ProviderEventType = "content_delta"
	EventToolCallBegin          ProviderEventType = "tool_call_begin"
	EventToolCallArgumentsDelta ProviderEventType = "tool_call_arguments_delta"
	EventToolCallEnd            ProviderEventType = "tool_call_end"
	EventDone                   ProviderEventType = "done"
	EventError                  ProviderEventType = "error"
)

// ProviderEvent is one increment of a streaming completion. ContentDelta
// carries Delta text; ToolCallBegin carries ToolCall with ID and Name;
// ToolCallArgumentsDelta carries Delta with a fragment of the arguments
// JSON for the call at Index; Done carries FinishReason and, when the
// provider reports it, Usage. Error terminates the stream.
type ProviderEvent struct {
	Type         ProviderEventType
	Delta        string
	Index        int
	ToolCall     *ToolCall
	FinishReason string
	Usage        *Usage
	Err          error
}
