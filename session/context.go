// ABOUTME: Conversation context: bounded message history with prompt assembly.
// ABOUTME: Keeps the system instruction pinned and never splits a tool reply from its assistant call.
package session

import (
	"sync"
	"time"

	"github.com/2389-research/stampede/llm"
)

// Context holds one session's ordered message history. The system
// instruction lives outside the bounded history so it can never be evicted.
type Context struct {
	mu          sync.RWMutex
	instruction string
	messages    []llm.Message
	maxMessages int
	createdAt   time.Time
	updatedAt   time.Time
}

// NewContext builds a context with the given instruction and history cap.
func NewContext(instruction string, maxMessages int) *Context {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	now := time.Now()
	return &Context{
		instruction: instruction,
		maxMessages: maxMessages,
		createdAt:   now,
		updatedAt:   now,
	}
}

// Append adds messages to the history and enforces the cap. A system-role
// message replaces the instruction instead of entering the history.
func (c *Context) Append(msgs ...llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range msgs {
		if msg.Role == llm.RoleSystem {
			c.instruction = msg.Content
			continue
		}
		c.messages = append(c.messages, msg)
	}
	c.truncateLocked()
	c.updatedAt = time.Now()
}

// truncateLocked drops the oldest messages until the cap holds. When the
// evicted message is an assistant turn that issued tool calls, its orphaned
// tool replies go with it.
func (c *Context) truncateLocked() {
	for len(c.messages) > c.maxMessages {
		c.messages = c.messages[1:]
		for len(c.messages) > 0 && c.messages[0].Role == llm.RoleTool {
			c.messages = c.messages[1:]
		}
	}
}

// Snapshot returns an ordered copy of the history, instruction first.
func (c *Context) Snapshot() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]llm.Message, 0, len(c.messages)+1)
	if c.instruction != "" {
		out = append(out, llm.SystemMessage(c.instruction))
	}
	return append(out, c.messages...)
}

// Len reports the number of history messages, excluding the instruction.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// ClearHistory resets the history. With keepSystem=false the instruction is
// dropped too.
func (c *Context) ClearHistory(keepSystem bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	if !keepSystem {
		c.instruction = ""
	}
	c.updatedAt = time.Now()
}

// AssemblePrompt returns the instruction, any extra system-channel messages
// (injected memories), and up to limit most-recent history messages. The
// window start skips orphaned tool replies so a tool message never appears
// before its assistant call.
func (c *Context) AssemblePrompt(limit int, extraSystem ...string) []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 || limit > len(c.messages) {
		limit = len(c.messages)
	}
	start := len(c.messages) - limit
	for start < len(c.messages) && c.messages[start].Role == llm.RoleTool {
		start++
	}

	out := make([]llm.Message, 0, len(c.messages)-start+len(extraSystem)+1)
	if c.instruction != "" {
		out = append(out, llm.SystemMessage(c.instruction))
	}
	for _, content := range extraSystem {
		if content != "" {
			out = append(out, llm.SystemMessage(content))
		}
	}
	return append(out, c.messages[start:]...)
}

// UpdatedAt reports the last mutation time.
func (c *Context) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}
