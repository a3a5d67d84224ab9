// ABOUTME: Tests for the iteration engine.
// ABOUTME: Drives turns against a scripted provider and in-process tool servers, asserting event streams.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389-research/stampede/llm"
	"github.com/2389-research/stampede/mcp"
	"github.com/2389-research/stampede/session"
)

// scriptedAdapter plays back canned responses as provider event streams.
type scriptedAdapter struct {
	mu     sync.Mutex
	rounds []*llm.Response
	repeat bool          // keep replaying the last round forever
	gate   chan struct{} // when set, each round waits here first
	calls  int
}

func (a *scriptedAdapter) Name() string { return "scripted" }
func (a *scriptedAdapter) Close() error { return nil }

func (a *scriptedAdapter) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	stream, err := a.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return llm.Drain(ctx, stream, nil)
}

func (a *scriptedAdapter) ChatStream(ctx context.Context, req *llm.Request) (<-chan llm.ProviderEvent, error) {
	a.mu.Lock()
	a.calls++
	if len(a.rounds) == 0 {
		a.mu.Unlock()
		return nil, llm.NewNetworkError("scripted", errors.New("no rounds scripted"))
	}
	resp := a.rounds[0]
	if !a.repeat || len(a.rounds) > 1 {
		a.rounds = a.rounds[1:]
	}
	gate := a.gate
	a.mu.Unlock()

	ch := make(chan llm.ProviderEvent, 16)
	go func() {
		defer close(ch)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				ch <- llm.ProviderEvent{Type: llm.EventError, Err: ctx.Err()}
				return
			}
		}
		if resp.Content != "" {
			ch <- llm.ProviderEvent{Type: llm.EventContentDelta, Delta: resp.Content}
		}
		for i, call := range resp.ToolCalls {
			call := call
			ch <- llm.ProviderEvent{Type: llm.EventToolCallBegin, Index: i, ToolCall: &llm.ToolCall{ID: call.ID, Name: call.Name}}
			ch <- llm.ProviderEvent{Type: llm.EventToolCallArgumentsDelta, Index: i, Delta: string(call.Arguments)}
			ch <- llm.ProviderEvent{Type: llm.EventToolCallEnd, Index: i}
		}
		finish := llm.FinishStop
		if len(resp.ToolCalls) > 0 {
			finish = llm.FinishToolCalls
		}
		ch <- llm.ProviderEvent{Type: llm.EventDone, FinishReason: finish, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}
	}()
	return ch, nil
}

// toolServer is a minimal in-process tool source.
type toolServer struct{}

func (toolServer) Info() mcp.ServerInfo { return mcp.ServerInfo{Name: "tools", Version: "1.0.0"} }

func (toolServer) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{
		{Name: "run", Description: "echo arguments"},
		{Name: "fail", Description: "always errors"},
	}, nil
}

func (toolServer) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	switch name {
	case "run":
		return mcp.TextResult("ran:" + string(args)), nil
	case "fail":
		return mcp.ErrorResult("boom"), nil
	}
	return nil, mcp.ErrToolNotFound
}

func newTestSession(t *testing.T, maxIterations int) *session.Session {
	t.Helper()
	mgr, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	sess, err := mgr.Create(session.Config{
		ID: "t",
		Agent: session.AgentSettings{
			Instruction:   "you are a test agent",
			Provider:      "scripted",
			Model:         "scripted-1",
			MaxIterations: maxIterations,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.Pool().AddServer(context.Background(), mcp.ServerSpec{Name: "tools", Inproc: toolServer{}}); err != nil {
		t.Fatal(err)
	}
	return sess
}

func newEngine(adapter *scriptedAdapter) *Engine {
	return NewEngine(llm.NewClient(llm.WithProvider(adapter)))
}

func collect(t *testing.T, events <-chan TurnEvent) []TurnEvent {
	t.Helper()
	var out []TurnEvent
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("event stream stalled after %d events", len(out))
		}
	}
}

func eventsOfType(events []TurnEvent, typ EventType) []TurnEvent {
	var out []TurnEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestEchoTurn(t *testing.T) {
	sess := newTestSession(t, 5)
	adapter := &scriptedAdapter{rounds: []*llm.Response{{Content: "hello there"}}}

	events, err := newEngine(adapter).Run(context.Background(), sess, "hi", RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := collect(t, events)

	iters := eventsOfType(got, EventIteration)
	if len(iters) != 1 || iters[0].Current != 1 || iters[0].Max != 5 {
		t.Errorf("iterations = %+v", iters)
	}
	var content strings.Builder
	for _, ev := range eventsOfType(got, EventContent) {
		content.WriteString(ev.Content)
	}
	if content.String() != "hello there" {
		t.Errorf("content = %q", content.String())
	}
	last := got[len(got)-1]
	if last.Type != EventComplete || last.FinalResponse != "hello there" || last.Iterations != 1 {
		t.Errorf("terminal = %+v", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", last.Usage)
	}
}

func TestToolRoundTrip(t *testing.T) {
	sess := newTestSession(t, 5)
	adapter := &scriptedAdapter{rounds: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "tools__run", Arguments: json.RawMessage(`{"x":1}`)}}},
		{Content: "all done"},
	}}

	events, err := newEngine(adapter).Run(context.Background(), sess, "go", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)

	calls := eventsOfType(got, EventToolCall)
	results := eventsOfType(got, EventToolResult)
	if len(calls) != 1 || len(results) != 1 {
		t.Fatalf("calls=%d results=%d", len(calls), len(results))
	}
	if calls[0].Tool != "tools__run" || string(calls[0].Arguments) != `{"x":1}` {
		t.Errorf("call = %+v", calls[0])
	}
	if results[0].Success == nil || !*results[0].Success || !strings.Contains(results[0].Result, `ran:{"x":1}`) {
		t.Errorf("result = %+v", results[0])
	}

	// The tool call event precedes its result, and the turn completes in
	// two iterations.
	var callIdx, resultIdx int
	for i, ev := range got {
		if ev.Type == EventToolCall {
			callIdx = i
		}
		if ev.Type == EventToolResult {
			resultIdx = i
		}
	}
	if callIdx >= resultIdx {
		t.Error("tool_call did not precede tool_result")
	}
	last := got[len(got)-1]
	if last.Type != EventComplete || last.FinalResponse != "all done" || last.Iterations != 2 {
		t.Errorf("terminal = %+v", last)
	}

	// The tool result reached the conversation history.
	var sawToolMessage bool
	for _, msg := range sess.Context.Snapshot() {
		if msg.Role == llm.RoleTool && msg.ToolCallID == "c1" {
			sawToolMessage = true
		}
	}
	if !sawToolMessage {
		t.Error("tool result missing from context")
	}
}

func TestToolErrorRecovery(t *testing.T) {
	sess := newTestSession(t, 5)
	adapter := &scriptedAdapter{rounds: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "tools__fail", Arguments: json.RawMessage(`{}`)}}},
		{ToolCalls: []llm.ToolCall{{ID: "c2", Name: "tools__missing", Arguments: json.RawMessage(`{}`)}}},
		{Content: "recovered"},
	}}

	events, err := newEngine(adapter).Run(context.Background(), sess, "go", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)

	results := eventsOfType(got, EventToolResult)
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	for i, r := range results {
		if r.Success == nil || *r.Success {
			t.Errorf("result %d should be a failure: %+v", i, r)
		}
	}
	if last := got[len(got)-1]; last.Type != EventComplete || last.FinalResponse != "recovered" {
		t.Errorf("terminal = %+v", last)
	}

	// Failures are fed back to the model as error-flagged tool messages.
	var errMsgs int
	for _, msg := range sess.Context.Snapshot() {
		if msg.Role == llm.RoleTool && msg.IsError {
			errMsgs++
		}
	}
	if errMsgs != 2 {
		t.Errorf("error tool messages = %d, want 2", errMsgs)
	}
}

func TestMaxIterations(t *testing.T) {
	sess := newTestSession(t, 3)
	// Arguments vary per round so loop detection stays quiet.
	adapter := &scriptedAdapter{}
	for i := 0; i < 3; i++ {
		adapter.rounds = append(adapter.rounds, &llm.Response{
			Content:   fmt.Sprintf("thinking %d", i),
			ToolCalls: []llm.ToolCall{{ID: fmt.Sprintf("c%d", i), Name: "tools__run", Arguments: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}},
		})
	}

	events, err := newEngine(adapter).Run(context.Background(), sess, "go", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)

	if n := len(eventsOfType(got, EventIteration)); n != 3 {
		t.Errorf("iteration events = %d, want 3", n)
	}
	last := got[len(got)-1]
	if last.Type != EventComplete || last.Iterations != 3 || last.FinalResponse != "thinking 2" {
		t.Errorf("terminal = %+v", last)
	}
	if adapter.calls != 3 {
		t.Errorf("model calls = %d, want 3", adapter.calls)
	}
}

func TestMaxIterationsOverrideClamped(t *testing.T) {
	sess := newTestSession(t, 2)
	adapter := &scriptedAdapter{rounds: []*llm.Response{{Content: "ok"}}}

	events, err := newEngine(adapter).Run(context.Background(), sess, "go", RunOptions{MaxIterations: 99})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)
	if iters := eventsOfType(got, EventIteration); iters[0].Max != 2 {
		t.Errorf("max = %d, want clamped to 2", iters[0].Max)
	}
}

func TestBusyRejection(t *testing.T) {
	sess := newTestSession(t, 5)
	gate := make(chan struct{})
	adapter := &scriptedAdapter{rounds: []*llm.Response{{Content: "slow"}}, gate: gate}
	engine := newEngine(adapter)

	events, err := engine.Run(context.Background(), sess, "first", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := engine.Run(context.Background(), sess, "second", RunOptions{}); !errors.Is(err, ErrBusy) {
		t.Errorf("second run: %v, want ErrBusy", err)
	}

	close(gate)
	collect(t, events)

	// The slot frees once the first turn finishes.
	adapter.mu.Lock()
	adapter.rounds = []*llm.Response{{Content: "again"}}
	adapter.mu.Unlock()
	events, err = engine.Run(context.Background(), sess, "third", RunOptions{})
	if err != nil {
		t.Fatalf("run after release: %v", err)
	}
	collect(t, events)
}

func TestLoopDetectionAborts(t *testing.T) {
	sess := newTestSession(t, 10)
	adapter := &scriptedAdapter{
		rounds: []*llm.Response{{ToolCalls: []llm.ToolCall{{ID: "c", Name: "tools__run", Arguments: json.RawMessage(`{"same":true}`)}}}},
		repeat: true,
	}

	events, err := newEngine(adapter).Run(context.Background(), sess, "go", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)

	last := got[len(got)-1]
	if last.Type != EventError || !strings.Contains(last.Error, "identical tool rounds") {
		t.Errorf("terminal = %+v", last)
	}
	if n := len(eventsOfType(got, EventIteration)); n != 3 {
		t.Errorf("iterations before abort = %d, want 3", n)
	}
}

func TestProviderErrorTerminatesStream(t *testing.T) {
	sess := newTestSession(t, 5)
	adapter := &scriptedAdapter{} // no rounds: every call fails

	events, err := newEngine(adapter).Run(context.Background(), sess, "go", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)
	last := got[len(got)-1]
	if last.Type != EventError || last.Error == "" {
		t.Errorf("terminal = %+v", last)
	}
	// The user message is retained; no assistant message was appended.
	snap := sess.Context.Snapshot()
	if snap[len(snap)-1].Role != llm.RoleUser {
		t.Errorf("context tail = %+v", snap[len(snap)-1])
	}
}

func TestCancellation(t *testing.T) {
	sess := newTestSession(t, 5)
	gate := make(chan struct{})
	adapter := &scriptedAdapter{rounds: []*llm.Response{{Content: "never"}}, gate: gate}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := newEngine(adapter).Run(ctx, sess, "go", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	got := collect(t, events)

	last := got[len(got)-1]
	if last.Type != EventError || !strings.Contains(last.Error, "cancel") {
		t.Errorf("terminal = %+v", last)
	}
}

// cancellingServer cancels the turn from inside a tool call.
type cancellingServer struct{ cancel context.CancelFunc }

func (s cancellingServer) Info() mcp.ServerInfo { return mcp.ServerInfo{Name: "slow", Version: "1.0.0"} }

func (s cancellingServer) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "halt", Description: "cancels the caller mid-call"}}, nil
}

func (s cancellingServer) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	s.cancel()
	<-ctx.Done()
	return mcp.TextResult("late"), nil
}

func TestCancellationDuringToolExecution(t *testing.T) {
	sess := newTestSession(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Pool().AddServer(context.Background(), mcp.ServerSpec{Name: "slow", Inproc: cancellingServer{cancel: cancel}}); err != nil {
		t.Fatal(err)
	}
	adapter := &scriptedAdapter{rounds: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "slow__halt", Arguments: json.RawMessage(`{}`)}}},
	}}

	events, err := newEngine(adapter).Run(ctx, sess, "go", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, events)

	// Every tool_call is paired with a tool_result even when the turn is
	// cancelled while the tool runs.
	calls := eventsOfType(got, EventToolCall)
	results := eventsOfType(got, EventToolResult)
	if len(calls) != 1 || len(results) != 1 {
		t.Fatalf("calls=%d results=%d, want 1 and 1", len(calls), len(results))
	}
	if results[0].Success == nil || *results[0].Success || !strings.Contains(results[0].Result, "cancel") {
		t.Errorf("result = %+v", results[0])
	}
	last := got[len(got)-1]
	if last.Type != EventError || !strings.Contains(last.Error, "cancel") {
		t.Errorf("terminal = %+v", last)
	}

	// The attempted call leaves an error-flagged tool reply in context so
	// the assistant message keeps its pair.
	snap := sess.Context.Snapshot()
	tail := snap[len(snap)-1]
	if tail.Role != llm.RoleTool || tail.ToolCallID != "c1" || !tail.IsError {
		t.Errorf("context tail = %+v", tail)
	}
}

func TestEmptyInputRejected(t *testing.T) {
	sess := newTestSession(t, 5)
	engine := newEngine(&scriptedAdapter{})
	if _, err := engine.Run(context.Background(), sess, "   ", RunOptions{}); !errors.Is(err, session.ErrInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}
}

func TestTurnEventJSONRoundTrip(t *testing.T) {
	ok := true
	for _, ev := range []TurnEvent{
		iterationEvent(2, 5),
		contentEvent("delta text"),
		toolCallEvent(llm.ToolCall{ID: "c1", Name: "srv__run", Arguments: json.RawMessage(`{"a":1}`)}),
		{Type: EventToolResult, Tool: "srv__run", Success: &ok, Result: "out"},
		completeEvent("final", 3, &llm.Usage{TotalTokens: 9}),
		errorEvent("bad"),
	} {
		data, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", ev.Type, err)
		}
		var back TurnEvent
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", ev.Type, err)
		}
		if !reflect.DeepEqual(ev, back) {
			t.Errorf("%s round trip: %+v != %+v", ev.Type, ev, back)
		}
	}

	// The wire shape is discriminated by "type".
	data, _ := json.Marshal(iterationEvent(1, 4))
	if string(data) != `{"type":"iteration","current":1,"max":4}` {
		t.Errorf("iteration wire = %s", data)
	}
	falseVal := false
	data, _ = json.Marshal(TurnEvent{Type: EventToolResult, Tool: "s__t", Success: &falseVal, Result: "x"})
	if !strings.Contains(string(data), `"success":false`) {
		t.Errorf("tool_result wire = %s", data)
	}
}
