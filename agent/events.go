// ABOUTME: TurnEvent variant emitted by the iteration engine during a turn.
// ABOUTME: JSON shape is discriminated by "type" and serialized directly onto the SSE stream.
package agent

import (
	"encoding/json"

	"github.com/2389-research/stampede/llm"
)

// EventType discriminates turn events.
type EventType string

const (
	EventIteration  EventType = "iteration"
	EventContent    EventType = "content"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
)

// TurnEvent is one increment of turn progress. Which fields are set depends
// on Type: iteration carries Current/Max, content carries Content, tool_call
// carries Tool/Arguments, tool_result carries Tool/Success/Result, complete
// carries FinalResponse/Iterations, error carries Error.
type TurnEvent struct {
	Type          EventType       `json:"type"`
	Current       int             `json:"current,omitempty"`
	Max           int             `json:"max,omitempty"`
	Content       string          `json:"content,omitempty"`
	Tool          string          `json:"tool,omitempty"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	Success       *bool           `json:"success,omitempty"`
	Result        string          `json:"result,omitempty"`
	FinalResponse string          `json:"final_response,omitempty"`
	Iterations    int             `json:"iterations,omitempty"`
	Usage         *llm.Usage      `json:"usage,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func iterationEvent(current, max int) TurnEvent {
	return TurnEvent{Type: EventIteration, Current: current, Max: max}
}

func contentEvent(delta string) TurnEvent {
	return TurnEvent{Type: EventContent, Content: delta}
}

func toolCallEvent(call llm.ToolCall) TurnEvent {
	return TurnEvent{Type: EventToolCall, Tool: call.Name, Arguments: call.Arguments}
}

func toolResultEvent(tool, result string, ok bool) TurnEvent {
	return TurnEvent{Type: EventToolResult, Tool: tool, Success: &ok, Result: result}
}

func completeEvent(finalText string, iterations int, usage *llm.Usage) TurnEvent {
	return TurnEvent{Type: EventComplete, FinalResponse: finalText, Iterations: iterations, Usage: usage}
}

func errorEvent(msg string) TurnEvent {
	return TurnEvent{Type: EventError, Error: msg}
}
