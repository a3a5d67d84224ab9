// ABOUTME: Tests for BaseAdapter helpers shared across raw-HTTP provider adapters.
// ABOUTME: Covers system extraction, consecutive message merging, and call ID generation.
package llm

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestExtractSystemMessages(t *testing.T) {
	system, rest := ExtractSystemMessages([]Message{
		SystemMessage("You are helpful."),
		UserMessage("hi"),
		SystemMessage("Stay concise."),
		AssistantMessage("hello"),
	})

	if system != "You are helpful.\n\nStay concise." {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 2 {
		t.Fatalf("rest = %d messages", len(rest))
	}
	if rest[0].Role != RoleUser || rest[1].Role != RoleAssistant {
		t.Errorf("rest roles = %s, %s", rest[0].Role, rest[1].Role)
	}
}

func TestMergeConsecutiveMessages(t *testing.T) {
	merged := MergeConsecutiveMessages([]Message{
		UserMessage("one"),
		UserMessage("two"),
		AssistantMessage("reply"),
		UserMessage("three"),
	})
	if len(merged) != 3 {
		t.Fatalf("merged = %d messages", len(merged))
	}
	if merged[0].Content != "one\n\ntwo" {
		t.Errorf("merged content = %q", merged[0].Content)
	}
}

func TestMergeNeverJoinsToolMessages(t *testing.T) {
	merged := MergeConsecutiveMessages([]Message{
		ToolResultMessage("call_1", "a", false),
		ToolResultMessage("call_2", "b", false),
	})
	if len(merged) != 2 {
		t.Fatalf("tool results must not merge, got %d messages", len(merged))
	}
}

func TestGenerateCallID(t *testing.T) {
	a, b := GenerateCallID(), GenerateCallID()
	if !strings.HasPrefix(a, "call_") {
		t.Errorf("id = %q", a)
	}
	if a == b {
		t.Error("ids should be unique")
	}
}

func TestRetryAfterHeader(t *testing.T) {
	h := http.Header{}
	if RetryAfterHeader(h) != nil {
		t.Error("missing header should yield nil")
	}
	h.Set("Retry-After", "30")
	if d := RetryAfterHeader(h); d == nil || *d != 30*time.Second {
		t.Errorf("got %v", d)
	}
	h.Set("Retry-After", "soon")
	if RetryAfterHeader(h) != nil {
		t.Error("unparseable header should yield nil")
	}
}
