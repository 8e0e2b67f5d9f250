package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorusmesh/chorus/chat"
)

func push(a *Aggregator, chunks ...chat.StreamingChunk) []chat.StreamingChunk {
	var out []chat.StreamingChunk
	for _, ck := range chunks {
		out = append(out, a.Push(ck)...)
	}
	return out
}

func toolChunk(frags ...chat.ToolCallFragment) chat.StreamingChunk {
	ck := chat.NewChunk("test-model")
	ck.ToolCalls = frags
	return ck
}

// -------------------- Tool-Call Accumulation --------------------

func TestAggregator_FragmentedAndWholeArgumentsConverge(t *testing.T) {
	whole := New()
	push(whole,
		toolChunk(chat.ToolCallFragment{Index: 0, ID: "call_1", Name: "get_weather", Arguments: `{"city":"Paris"}`}),
		chat.FinishChunk("test-model", chat.FinishToolCalls),
	)
	wholeCalls, err := whole.Finalize()
	require.NoError(t, err)

	fragmented := New()
	push(fragmented,
		toolChunk(chat.ToolCallFragment{Index: 0, ID: "call_1", Name: "get_weather"}),
		toolChunk(chat.ToolCallFragment{Index: 0, Arguments: `{"ci`}),
		toolChunk(chat.ToolCallFragment{Index: 0, Arguments: `ty":"Pa`}),
		toolChunk(chat.ToolCallFragment{Index: 0, Arguments: `ris"`}),
		toolChunk(chat.ToolCallFragment{Index: 0, Arguments: `}`}),
		chat.FinishChunk("test-model", chat.FinishToolCalls),
	)
	fragCalls, err := fragmented.Finalize()
	require.NoError(t, err)

	assert.Equal(t, wholeCalls, fragCalls)
	require.Len(t, fragCalls, 1)
	assert.Equal(t, "call_1", fragCalls[0].ID)
	assert.Equal(t, "get_weather", fragCalls[0].Name)
	assert.Equal(t, `{"city":"Paris"}`, fragCalls[0].Arguments)
}

func TestAggregator_ParallelCallsKeepDistinctAccumulators(t *testing.T) {
	a := New()
	push(a,
		toolChunk(
			chat.ToolCallFragment{Index: 0, ID: "call_a", Name: "first", Arguments: `{"n":1}`},
			chat.ToolCallFragment{Index: 1, ID: "call_b", Name: "second"},
		),
		toolChunk(chat.ToolCallFragment{Index: 1, Arguments: `{"n":2}`}),
		chat.FinishChunk("test-model", chat.FinishToolCalls),
	)
	calls, err := a.Finalize()
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, `{"n":1}`, calls[0].Arguments)
	assert.Equal(t, `{"n":2}`, calls[1].Arguments)
}

func TestAggregator_RepairsMalformedTerminalArguments(t *testing.T) {
	a := New()
	push(a,
		toolChunk(chat.ToolCallFragment{Index: 0, ID: "call_1", Name: "lookup", Arguments: `{"q":"go"`}),
		chat.FinishChunk("test-model", chat.FinishToolCalls),
	)
	calls, err := a.Finalize()
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.True(t, json.Valid([]byte(calls[0].Arguments)), "repaired arguments must be valid JSON: %s", calls[0].Arguments)
}

// -------------------- Synthetic Stop --------------------

func TestAggregator_SyntheticStopBeforeToolCall(t *testing.T) {
	a := New()
	out := push(a,
		chat.ContentChunk("test-model", "Let me check"),
		chat.ContentChunk("test-model", " the weather."),
		toolChunk(chat.ToolCallFragment{Index: 0, ID: "call_1", Name: "get_weather", Arguments: `{}`}),
		chat.FinishChunk("test-model", chat.FinishToolCalls),
	)

	var stops int
	var stopPos, toolPos int
	for i, ck := range out {
		if ck.FinishReason == chat.FinishStop {
			stops++
			stopPos = i
		}
		if len(ck.ToolCalls) > 0 {
			toolPos = i
		}
	}
	assert.Equal(t, 1, stops, "exactly one synthetic stop")
	assert.Less(t, stopPos, toolPos, "stop must close the text span before the tool-call chunk")
}

func TestAggregator_NoSyntheticStopWithoutOpenSpan(t *testing.T) {
	a := New()
	out := push(a,
		toolChunk(chat.ToolCallFragment{Index: 0, ID: "call_1", Name: "get_weather", Arguments: `{}`}),
		chat.FinishChunk("test-model", chat.FinishToolCalls),
	)
	for _, ck := range out {
		assert.NotEqual(t, chat.FinishStop, ck.FinishReason)
	}
}

// -------------------- Structured Output Framing --------------------

func TestAggregator_StructuredFraming(t *testing.T) {
	a := New(WithStructuredOutput())
	out := push(a,
		chat.ContentChunk("test-model", "prefix"),
		chat.ContentChunk("test-model", `{"a":`),
		chat.ContentChunk("test-model", `1}`),
		chat.ContentChunk("test-model", "trailing"),
		chat.FinishChunk("test-model", chat.FinishStop),
	)

	var content string
	for _, ck := range out {
		if ck.Content != nil {
			content += *ck.Content
		}
	}
	assert.Equal(t, `{"a":1}`, content)
	assert.Equal(t, `{"a":1}`, a.StructuredContent())

	_, err := a.Finalize()
	assert.NoError(t, err)
}

func TestAggregator_StructuredBracesInsideStrings(t *testing.T) {
	a := New(WithStructuredOutput())
	push(a,
		chat.ContentChunk("test-model", `{"text":"open { and close }"`),
		chat.ContentChunk("test-model", `}`),
		chat.FinishChunk("test-model", chat.FinishStop),
	)
	assert.Equal(t, `{"text":"open { and close }"}`, a.StructuredContent())
}

func TestAggregator_StructuredUnbalanced(t *testing.T) {
	a := New(WithStructuredOutput())
	push(a,
		chat.ContentChunk("test-model", `{"a":`),
		chat.FinishChunk("test-model", chat.FinishStop),
	)
	_, err := a.Finalize()
	assert.ErrorIs(t, err, ErrUnbalancedJSON)
}

// -------------------- Terminal Handling --------------------

func TestAggregator_FinalizeWithoutTerminal(t *testing.T) {
	a := New()
	push(a, chat.ContentChunk("test-model", "partial"))
	_, err := a.Finalize()
	assert.ErrorIs(t, err, ErrUnterminated)
}

func TestAggregator_DropsChunksAfterTerminal(t *testing.T) {
	a := New()
	push(a,
		chat.ContentChunk("test-model", "done"),
		chat.FinishChunk("test-model", chat.FinishStop),
	)
	out := a.Push(chat.ContentChunk("test-model", "late"))
	assert.Empty(t, out)
}
