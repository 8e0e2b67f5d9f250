// Package chat defines the vendor-neutral representation of streamed LLM
// output. Every provider adapter must produce StreamingChunk values in this
// shape; downstream components (aggregation, agent turns, persistence) never
// see a vendor wire format.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the conversational author of a chunk or message.
type Role string

const (
	// RoleSystem marks instruction content injected by the runtime.
	RoleSystem Role = "system"
	// RoleUser marks end-user input.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool invocation results fed back to the model.
	RoleTool Role = "tool"
	// RoleError marks synthetic error content surfaced into a conversation.
	RoleError Role = "error"
)

// FinishReason is the canonical completion signal for one streamed span.
// Vendor-specific signals are normalized onto this closed set; the empty
// value means the span is still in progress.
type FinishReason string

const (
	// FinishStop is a normal end of a content span.
	FinishStop FinishReason = "stop"
	// FinishLength indicates the model hit its token limit.
	FinishLength FinishReason = "length"
	// FinishToolCalls indicates the span ends in one or more tool calls.
	FinishToolCalls FinishReason = "tool_calls"
	// FinishContentFilter indicates provider-side content filtering.
	FinishContentFilter FinishReason = "content_filter"
	// FinishFunctionCall is the legacy single-function variant of FinishToolCalls.
	FinishFunctionCall FinishReason = "function_call"
	// FinishNone marks an interior chunk with no terminal signal.
	FinishNone FinishReason = ""
)

// NormalizeFinishReason maps a raw vendor completion signal onto the
// canonical enumeration. Unknown non-empty signals map to FinishStop only
// when terminal is true; an unknown interior signal stays FinishNone so a
// stop is never inferred early.
func NormalizeFinishReason(raw string, terminal bool) FinishReason {
	switch FinishReason(raw) {
	case FinishStop, FinishLength, FinishToolCalls, FinishContentFilter, FinishFunctionCall:
		return FinishReason(raw)
	}
	switch raw {
	case "end_turn", "stop_sequence", "complete":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	}
	if terminal {
		return FinishStop
	}
	return FinishNone
}

// Terminal reports whether the reason closes a span.
func (r FinishReason) Terminal() bool { return r != FinishNone }

// ToolCallFragment is an in-progress or completed invocation request for an
// external capability. Arguments accumulate character-by-character or
// whole-object-at-once depending on the upstream vendor; consumers must
// tolerate both.
type ToolCallFragment struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// Usage carries token accounting for one call when the provider reports it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamingChunk is the canonical unit of streamed LLM output. A finished
// logical message is the ordered concatenation of all chunks in one group
// whose content/reasoning_content are non-null, terminated by the chunk
// carrying finish_reason.
type StreamingChunk struct {
	ID               string             `json:"id"`
	Model            string             `json:"model,omitempty"`
	Created          int64              `json:"created"`
	FinishReason     FinishReason       `json:"finish_reason,omitempty"`
	Content          *string            `json:"content,omitempty"`
	ReasoningContent *string            `json:"reasoning_content,omitempty"`
	Role             Role               `json:"role,omitempty"`
	ToolCalls        []ToolCallFragment `json:"tool_calls,omitempty"`
	Usage            *Usage             `json:"usage,omitempty"`
}

// NewChunk constructs an empty assistant chunk with a fresh id and timestamp.
func NewChunk(model string) StreamingChunk {
	return StreamingChunk{
		ID:      uuid.NewString(),
		Model:   model,
		Created: time.Now().Unix(),
		Role:    RoleAssistant,
	}
}

// ContentChunk builds an interior chunk carrying a text delta.
func ContentChunk(model, text string) StreamingChunk {
	c := NewChunk(model)
	c.Content = &text
	return c
}

// ReasoningChunk builds an interior chunk carrying a reasoning-text delta.
func ReasoningChunk(model, text string) StreamingChunk {
	c := NewChunk(model)
	c.ReasoningContent = &text
	return c
}

// FinishChunk builds a terminal chunk for the given reason. Content is nil;
// the chunk only closes the span.
func FinishChunk(model string, reason FinishReason) StreamingChunk {
	c := NewChunk(model)
	c.FinishReason = reason
	return c
}

// HasContent reports whether the chunk carries visible or reasoning text.
func (c StreamingChunk) HasContent() bool {
	return (c.Content != nil && *c.Content != "") || (c.ReasoningContent != nil && *c.ReasoningContent != "")
}

// Message is one persisted conversation entry: the assembled, non-streaming
// form of a span. ToolCalls holds completed fragments (result attached) when
// the message represents an assistant tool-call turn or a tool result.
type Message struct {
	ID        string             `json:"id"`
	Role      Role               `json:"role"`
	Content   string             `json:"content,omitempty"`
	Reasoning string             `json:"reasoning_content,omitempty"`
	ToolCalls []ToolCallFragment `json:"tool_calls,omitempty"`
	// ToolCallID links a RoleTool message back to its originating call.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// NewMessage builds a message with a fresh idempotency id.
func NewMessage(role Role, content string) Message {
	return Message{ID: uuid.NewString(), Role: role, Content: content}
}

// Assemble concatenates the content and reasoning text of an ordered chunk
// sequence into final message text. Chunks after the first terminal chunk
// are ignored.
func Assemble(chunks []StreamingChunk) (content, reasoning string) {
	var cb, rb strings.Builder
	for _, ck := range chunks {
		if ck.Content != nil {
			cb.WriteString(*ck.Content)
		}
		if ck.ReasoningContent != nil {
			rb.WriteString(*ck.ReasoningContent)
		}
		if ck.FinishReason.Terminal() {
			break
		}
	}
	return cb.String(), rb.String()
}
