// ABOUTME: Tests for the conversation context.
// ABOUTME: Covers cap enforcement, pair contiguity, prompt assembly, and system message handling.
package session

import (
	"fmt"
	"testing"

	"github.com/2389-research/stampede/llm"
)

func TestAppendEnforcesCap(t *testing.T) {
	c := NewContext("instruction", 3)
	for i := 0; i < 5; i++ {
		c.Append(llm.UserMessage(fmt.Sprintf("m%d", i)))
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	snap := c.Snapshot()
	if snap[0].Role != llm.RoleSystem || snap[0].Content != "instruction" {
		t.Errorf("system message lost: %+v", snap[0])
	}
	if snap[1].Content != "m2" || snap[3].Content != "m4" {
		t.Errorf("wrong survivors: %+v", snap[1:])
	}
}

func TestAppendDropsExactlyOneAtCap(t *testing.T) {
	c := NewContext("", 2)
	c.Append(llm.UserMessage("a"), llm.UserMessage("b"))
	c.Append(llm.UserMessage("c"))
	snap := c.Snapshot()
	if len(snap) != 2 || snap[0].Content != "b" || snap[1].Content != "c" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestTruncationKeepsToolPairsTogether(t *testing.T) {
	c := NewContext("sys", 3)
	c.Append(
		llm.UserMessage("do it"),
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "srv__run"}),
		llm.ToolResultMessage("c1", "ok", false),
	)
	// Overflow drops the user message; the next overflow must take the
	// assistant call and its reply together.
	c.Append(llm.UserMessage("next"))
	c.Append(llm.UserMessage("more"))

	for _, msg := range c.Snapshot() {
		if msg.Role == llm.RoleTool {
			t.Fatalf("orphan tool reply survived truncation: %+v", c.Snapshot())
		}
	}
}

func TestSystemMessageReplacesInstruction(t *testing.T) {
	c := NewContext("old", 10)
	c.Append(llm.SystemMessage("new"))
	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].Content != "new" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestAssemblePrompt(t *testing.T) {
	c := NewContext("sys", 20)
	for i := 0; i < 6; i++ {
		c.Append(llm.UserMessage(fmt.Sprintf("m%d", i)))
	}

	got := c.AssemblePrompt(3)
	if len(got) != 4 || got[0].Content != "sys" || got[1].Content != "m3" {
		t.Errorf("prompt = %+v", got)
	}

	withMem := c.AssemblePrompt(2, "relevant memories")
	if len(withMem) != 4 || withMem[1].Role != llm.RoleSystem || withMem[1].Content != "relevant memories" {
		t.Errorf("prompt with memory = %+v", withMem)
	}
}

func TestAssemblePromptSkipsLeadingToolReplies(t *testing.T) {
	c := NewContext("", 20)
	c.Append(
		llm.UserMessage("q"),
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "srv__run"}),
		llm.ToolResultMessage("c1", "r", false),
		llm.AssistantMessage("answer"),
	)

	// A window of 2 would start at the tool reply; it must advance past it.
	got := c.AssemblePrompt(2)
	if len(got) != 1 || got[0].Content != "answer" {
		t.Errorf("prompt = %+v", got)
	}
}

func TestClearHistory(t *testing.T) {
	c := NewContext("sys", 10)
	c.Append(llm.UserMessage("a"))

	c.ClearHistory(true)
	if snap := c.Snapshot(); len(snap) != 1 || snap[0].Role != llm.RoleSystem {
		t.Errorf("after keepSystem clear: %+v", snap)
	}

	c.ClearHistory(false)
	if snap := c.Snapshot(); len(snap) != 0 {
		t.Errorf("after full clear: %+v", snap)
	}
}
