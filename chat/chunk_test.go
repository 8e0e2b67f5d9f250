package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFinishReason(t *testing.T) {
	tests := []struct {
		raw      string
		terminal bool
		want     FinishReason
	}{
		{"stop", true, FinishStop},
		{"end_turn", true, FinishStop},
		{"stop_sequence", true, FinishStop},
		{"complete", true, FinishStop},
		{"length", true, FinishLength},
		{"max_tokens", true, FinishLength},
		{"tool_calls", true, FinishToolCalls},
		{"tool_use", true, FinishToolCalls},
		{"function_call", true, FinishFunctionCall},
		{"content_filter", true, FinishContentFilter},
		// Unknown signals default to stop only at the explicit terminal
		// chunk, never inferred early.
		{"some_vendor_thing", true, FinishStop},
		{"some_vendor_thing", false, FinishNone},
		{"", false, FinishNone},
	}
	for _, tt := range tests {
		got := NormalizeFinishReason(tt.raw, tt.terminal)
		assert.Equal(t, tt.want, got, "raw=%q terminal=%t", tt.raw, tt.terminal)
	}
}

func TestStreamingChunkWireFormat(t *testing.T) {
	content := "hi"
	ck := StreamingChunk{
		ID:           "ck-1",
		Model:        "m",
		Created:      42,
		FinishReason: FinishToolCalls,
		Content:      &content,
		Role:         RoleAssistant,
		ToolCalls: []ToolCallFragment{
			{Index: 0, ID: "call_1", Name: "lookup", Arguments: `{}`, Provider: "web"},
		},
		Usage: &Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}
	raw, err := json.Marshal(ck)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"id", "model", "created", "finish_reason", "content", "role", "tool_calls", "usage"} {
		assert.Contains(t, m, key)
	}
	assert.Equal(t, "tool_calls", m["finish_reason"])
}

func TestAssemble(t *testing.T) {
	chunks := []StreamingChunk{
		ContentChunk("m", "Hello"),
		ReasoningChunk("m", "thinking"),
		ContentChunk("m", ", world"),
		FinishChunk("m", FinishStop),
	}
	content, reasoning := Assemble(chunks)
	assert.Equal(t, "Hello, world", content)
	assert.Equal(t, "thinking", reasoning)
}

func TestHasContent(t *testing.T) {
	assert.True(t, ContentChunk("m", "x").HasContent())
	assert.True(t, ReasoningChunk("m", "x").HasContent())
	assert.False(t, NewChunk("m").HasContent())
	assert.False(t, FinishChunk("m", FinishStop).HasContent())
}
