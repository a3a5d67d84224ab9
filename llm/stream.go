// ABOUTME: Accumulator that folds a stream of provider events into a complete Response.
// ABOUTME: Used by the iteration engine to consume ChatStream while relaying deltas to listeners.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Accumulator folds ProviderEvents into a Response. Zero value is ready to use.
type Accumulator struct {
	content   strings.Builder
	toolCalls []ToolCall
	toolArgs  []strings.Builder
	finish    string
	usage     Usage
}

// Add applies one stream event to the accumulated state.
func (a *Accumulator) Add(ev ProviderEvent) {
	switch ev.Type {
	case EventContentDelta:
		a.content.WriteString(ev.Delta)

	case EventToolCallBegin:
		if ev.ToolCall == nil {
			return
		}
		a.toolCalls = append(a.toolCalls, ToolCall{ID: ev.ToolCall.ID, Name: ev.ToolCall.Name})
		a.toolArgs = append(a.toolArgs, strings.Builder{})

	case EventToolCallArgumentsDelta:
		if ev.Index >= 0 && ev.Index < len(a.toolArgs) {
			a.toolArgs[ev.Index].WriteString(ev.Delta)
		}

	case EventToolCallEnd:
		// Arguments are sealed in Response(); nothing to do per event.

	case EventDone:
		a.finish = ev.FinishReason
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
	}
}

// Response materializes the accumulated state. Tool call arguments that
// never received any delta become an empty JSON object so downstream
// decoding always sees valid JSON.
func (a *Accumulator) Response() *Response {
	resp := &Response{
		Content:      a.content.String(),
		FinishReason: a.finish,
		Usage:        a.usage,
	}
	for i, tc := range a.toolCalls {
		args := "{}"
		if i < len(a.toolArgs) && a.toolArgs[i].Len() > 0 {
			args = a.toolArgs[i].String()
		}
		tc.Arguments = json.RawMessage(args)
		resp.ToolCalls = append(resp.ToolCalls, tc)
	}
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = FinishToolCalls
		} else {
			resp.FinishReason = FinishStop
		}
	}
	return resp
}

// Drain consumes an event channel to completion, invoking onEvent for every
// event, and returns the folded Response. It stops early on context
// cancellation or when the stream reports an error.
func Drain(ctx context.Context, events <-chan ProviderEvent, onEvent func(ProviderEvent)) (*Response, error) {
	var acc Accumulator
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return acc.Response(), nil
			}
			if onEvent != nil {
				onEvent(ev)
			}
			if ev.Type == EventError {
				return nil, ev.Err
			}
			acc.Add(ev)
		}
	}
}
