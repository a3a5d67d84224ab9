// ABOUTME: Iteration engine driving the bounded think-act loop for one turn.
// ABOUTME: Streams model output, executes tool calls through the session pool, and emits TurnEvents.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/2389-research/stampede/llm"
	"github.com/2389-research/stampede/mcp"
	"github.com/2389-research/stampede/memory"
	"github.com/2389-research/stampede/session"
)

// Sentinel errors for turn execution.
var (
	ErrBusy      = errors.New("session busy: a turn is already running")
	ErrCancelled = errors.New("cancelled")
)

// Identical consecutive tool rounds tolerated before the turn aborts.
const loopDetectionThreshold = 3

// eventChanBuffer keeps the engine from blocking on slow SSE consumers
// for short bursts.
const eventChanBuffer = 64

// RunOptions adjusts a single turn.
type RunOptions struct {
	// MaxIterations overrides the session default when positive. Values
	// above the session default are clamped to it.
	MaxIterations int
}

// Engine drives turns against sessions using a shared LLM client.
type Engine struct {
	client *llm.Client
}

// NewEngine builds an engine over the given client.
func NewEngine(client *llm.Client) *Engine {
	return &Engine{client: client}
}

// Run starts one turn on the session and returns its event stream. The
// stream is finite and ends with exactly one complete or error event. A
// second Run while a turn is active fails fast with ErrBusy.
func (e *Engine) Run(ctx context.Context, sess *session.Session, input string, opts RunOptions) (<-chan TurnEvent, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("%w: empty input", session.ErrInvalidInput)
	}
	if !sess.TryBeginTurn() {
		return nil, fmt.Errorf("%w: session %s", ErrBusy, sess.ID())
	}
	if err := sess.Initialize(ctx); err != nil {
		sess.EndTurn()
		return nil, err
	}

	events := make(chan TurnEvent, eventChanBuffer)
	go func() {
		defer sess.EndTurn()
		defer close(events)
		e.runTurn(ctx, sess, input, opts, events)
	}()
	return events, nil
}

// runTurn executes the loop. Every exit path emits a terminal event.
func (e *Engine) runTurn(ctx context.Context, sess *session.Session, input string, opts RunOptions, events chan<- TurnEvent) {
	cfg := sess.Config()
	maxIterations := cfg.Agent.MaxIterations
	if opts.MaxIterations > 0 && opts.MaxIterations < maxIterations {
		maxIterations = opts.MaxIterations
	}

	// emit tries the buffered send first so terminal events still land
	// after cancellation; it only fails when the consumer is gone and the
	// buffer is full.
	emit := func(ev TurnEvent) bool {
		select {
		case events <- ev:
			return true
		default:
		}
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	sess.Context.Append(llm.UserMessage(input))

	var lastAssistant string
	var lastUsage *llm.Usage
	var lastSignature string
	identicalRounds := 0

	for i := 1; i <= maxIterations; i++ {
		if ctx.Err() != nil {
			emit(errorEvent(ErrCancelled.Error()))
			return
		}
		if !emit(iterationEvent(i, maxIterations)) {
			return
		}

		prompt := sess.Context.AssemblePrompt(cfg.Agent.MaxContextLength, e.memoryContext(sess, input))
		req := &llm.Request{
			Model:       cfg.Agent.Model,
			Messages:    prompt,
			Tools:       poolToolDefs(sess.Pool()),
			Temperature: cfg.Agent.Temperature,
		}
		if cfg.Agent.MaxTokens > 0 {
			maxTokens := cfg.Agent.MaxTokens
			req.MaxTokens = &maxTokens
		}

		resp, err := e.streamModel(ctx, cfg.Agent.Provider, req, emit)
		if err != nil {
			if ctx.Err() != nil {
				emit(errorEvent(ErrCancelled.Error()))
			} else {
				emit(errorEvent(err.Error()))
			}
			return
		}

		sess.Context.Append(llm.AssistantMessage(resp.Content, resp.ToolCalls...))
		if resp.Content != "" {
			lastAssistant = resp.Content
		}
		if resp.Usage.TotalTokens > 0 {
			lastUsage = &resp.Usage
		}

		if !resp.HasToolCalls() {
			emit(completeEvent(lastAssistant, i, lastUsage))
			return
		}

		signature := roundSignature(resp.ToolCalls)
		if signature == lastSignature {
			identicalRounds++
		} else {
			identicalRounds = 1
			lastSignature = signature
		}
		if identicalRounds >= loopDetectionThreshold {
			log.Printf("component=agent.engine action=loop_detected session=%s rounds=%d", sess.ID(), identicalRounds)
			emit(errorEvent(fmt.Sprintf("aborted: %d identical tool rounds in a row", identicalRounds)))
			return
		}

		for _, call := range resp.ToolCalls {
			if !emit(toolCallEvent(call)) {
				return
			}
			result, ok := e.executeTool(ctx, sess.Pool(), call)
			if ctx.Err() != nil {
				// The call event already went out, so pair it with a
				// failed result before the terminal error.
				emit(toolResultEvent(call.Name, ErrCancelled.Error(), false))
				sess.Context.Append(llm.ToolResultMessage(call.ID, ErrCancelled.Error(), true))
				emit(errorEvent(ErrCancelled.Error()))
				return
			}
			if !emit(toolResultEvent(call.Name, result, ok)) {
				return
			}
			sess.Context.Append(llm.ToolResultMessage(call.ID, result, !ok))
		}
	}

	emit(completeEvent(lastAssistant, maxIterations, lastUsage))
}

// streamModel runs one model round, relaying content deltas as events and
// returning the accumulated response.
func (e *Engine) streamModel(ctx context.Context, provider string, req *llm.Request, emit func(TurnEvent) bool) (*llm.Response, error) {
	stream, err := e.client.ChatStream(ctx, provider, req)
	if err != nil {
		return nil, err
	}
	return llm.Drain(ctx, stream, func(ev llm.ProviderEvent) {
		if ev.Type == llm.EventContentDelta && ev.Delta != "" {
			emit(contentEvent(ev.Delta))
		}
	})
}

// executeTool invokes one tool call through the pool. Failures are data for
// the model: the error text comes back with ok=false, never as a turn error.
func (e *Engine) executeTool(ctx context.Context, pool *mcp.Pool, call llm.ToolCall) (string, bool) {
	result, err := pool.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		log.Printf("component=agent.engine action=tool_failed tool=%s err=%v", call.Name, err)
		return fmt.Sprintf("tool call failed: %v", err), false
	}
	return result.Text(), !result.IsError
}

// memoryContext builds the synthetic system block of top-ranked memories
// relevant to the input. Empty when memory is disabled or nothing matches.
func (e *Engine) memoryContext(sess *session.Session, input string) string {
	if !sess.MemoryEnabled() {
		return ""
	}
	store := sess.Memory()
	if store == nil {
		return ""
	}
	results, err := store.Search(input, memory.SearchOptions{Limit: sess.Config().Agent.MemoryContextSize})
	if err != nil {
		log.Printf("component=agent.engine action=memory_search_failed session=%s err=%v", sess.ID(), err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories from previous interactions:")
	for _, r := range results {
		fmt.Fprintf(&b, "\n- %s", r.Record.Content)
	}
	return b.String()
}

// poolToolDefs converts the pool's qualified tool listing into model tool
// definitions.
func poolToolDefs(pool *mcp.Pool) []llm.ToolDef {
	tools := pool.ListTools()
	defs := make([]llm.ToolDef, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, llm.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return defs
}

// roundSignature hashes a round's tool calls by name and arguments so
// repeated identical rounds are detectable.
func roundSignature(calls []llm.ToolCall) string {
	h := sha256.New()
	for _, call := range calls {
		h.Write([]byte(call.Name))
		h.Write([]byte{0})
		h.Write(call.Arguments)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
