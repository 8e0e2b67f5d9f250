// Package stream reconciles provider streaming inconsistencies into a clean
// canonical chunk sequence. One Aggregator instance consumes the ordered
// chunks of exactly one LLM call and is not reusable across calls.
//
// The aggregator papers over three classes of vendor divergence:
//
//   - Tool-call arguments arriving fragmented (one character at a time) or
//     whole-object-at-once; both reconstruct identical final arguments.
//   - Text spans that end without an explicit stop marker when the provider
//     switches straight into a tool call; a synthetic finish_reason=stop
//     chunk is inserted so every content span is explicitly closed.
//   - Structured (JSON) output wrapped in prefix/trailing noise; only the
//     first brace-balanced object is forwarded as usable content.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"github.com/chorusmesh/chorus/chat"
	"github.com/chorusmesh/chorus/logging"
)

// ErrUnterminated is returned by Finalize when the provider stream ended
// without any terminal chunk. The caller treats the partial state as a fatal
// turn failure; the aggregator never retries.
var ErrUnterminated = errors.New("stream: no terminal chunk received")

// ErrUnbalancedJSON is returned by Finalize when structured output was
// requested but the stream closed before the object's braces balanced.
var ErrUnbalancedJSON = errors.New("stream: structured output never balanced")

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithStructuredOutput enables JSON framing: content before the first '{' is
// suppressed, and once the object balances any further content is discarded.
func WithStructuredOutput() Option {
	return func(a *Aggregator) { a.structured = true }
}

// WithLogger attaches a logger for dropped-fragment diagnostics.
func WithLogger(l logging.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// Aggregator accumulates one call's chunks. Not safe for concurrent use; a
// call's chunks are strictly ordered by construction.
type Aggregator struct {
	logger     logging.Logger
	structured bool

	calls   []*chat.ToolCallFragment
	byIndex map[int]*chat.ToolCallFragment
	last    *chat.ToolCallFragment

	openSpan bool // content seen and not yet closed by a finish reason
	terminal bool

	frame jsonFrame
}

// New constructs an Aggregator for a single LLM call.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		logger:  logging.NoOpLogger{},
		byIndex: make(map[int]*chat.ToolCallFragment),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Push consumes the next canonical chunk and returns the chunks to forward
// downstream, in order. The result may be empty (chunk fully suppressed by
// structured framing), the input chunk (possibly rewritten), or a synthetic
// stop chunk followed by the input chunk.
func (a *Aggregator) Push(ck chat.StreamingChunk) []chat.StreamingChunk {
	if a.terminal {
		// Some providers keep streaming usage/whitespace after the terminal
		// chunk; everything after it is dropped.
		return nil
	}

	var out []chat.StreamingChunk

	// Detect the text-span -> tool-call transition. The previous chunks
	// carried ordinary content with no finish reason and this chunk signals
	// tool calls; close the text span explicitly before forwarding.
	if a.openSpan && (len(ck.ToolCalls) > 0 || ck.FinishReason == chat.FinishToolCalls) {
		stop := chat.FinishChunk(ck.Model, chat.FinishStop)
		stop.Role = ck.Role
		out = append(out, stop)
		a.openSpan = false
	}

	for _, f := range ck.ToolCalls {
		a.accumulate(f)
	}

	if a.structured && ck.Content != nil {
		kept := a.frame.feed(*ck.Content)
		if kept == "" {
			ck.Content = nil
		} else {
			ck.Content = &kept
		}
		// A chunk reduced to pure suppressed noise is not forwarded at all.
		if ck.Content == nil && ck.ReasoningContent == nil && len(ck.ToolCalls) == 0 && !ck.FinishReason.Terminal() {
			return out
		}
	}

	if ck.HasContent() && !ck.FinishReason.Terminal() {
		a.openSpan = true
	}
	if ck.FinishReason.Terminal() {
		a.terminal = true
		a.openSpan = false
	}

	return append(out, ck)
}

// accumulate folds one fragment into the index/id-keyed buffer. A fragment
// carrying a new id opens a fresh accumulator; an id-less fragment appends
// its argument text to the accumulator open at the same index, falling back
// to the last-opened one.
func (a *Aggregator) accumulate(f chat.ToolCallFragment) {
	acc, ok := a.byIndex[f.Index]
	if f.ID != "" && (!ok || (acc.ID != "" && acc.ID != f.ID)) {
		acc = &chat.ToolCallFragment{Index: f.Index, ID: f.ID}
		a.byIndex[f.Index] = acc
		a.calls = append(a.calls, acc)
		ok = true
	}
	if !ok {
		if a.last == nil {
			acc = &chat.ToolCallFragment{Index: f.Index}
			a.byIndex[f.Index] = acc
			a.calls = append(a.calls, acc)
		} else {
			acc = a.last
		}
	}
	if f.ID != "" {
		acc.ID = f.ID
	}
	if f.Name != "" {
		acc.Name = f.Name
	}
	if f.Provider != "" {
		acc.Provider = f.Provider
	}
	acc.Arguments += f.Arguments
	a.last = acc
}

// StructuredContent returns the balanced JSON object collected so far when
// structured output is enabled. Empty until the object closes.
func (a *Aggregator) StructuredContent() string {
	if !a.frame.done {
		return ""
	}
	return a.frame.buf
}

// Finalize validates terminal state and returns the completed tool calls in
// provider order. Argument payloads that are not valid JSON get one repair
// pass; calls that remain unparseable are dropped and logged rather than
// forwarded (protocol framing errors are never surfaced as tool input).
func (a *Aggregator) Finalize() ([]chat.ToolCallFragment, error) {
	if !a.terminal {
		return nil, ErrUnterminated
	}
	if a.structured && a.frame.started && !a.frame.done {
		return nil, ErrUnbalancedJSON
	}

	out := make([]chat.ToolCallFragment, 0, len(a.calls))
	for _, acc := range a.calls {
		args := acc.Arguments
		if args != "" && !json.Valid([]byte(args)) {
			repaired, err := jsonrepair.JSONRepair(args)
			if err != nil || !json.Valid([]byte(repaired)) {
				a.logger.Warn("dropping tool call with unparseable arguments",
					"tool", acc.Name, "call_id", acc.ID, "len", len(args))
				continue
			}
			a.logger.Debug("repaired malformed tool arguments", "tool", acc.Name, "call_id", acc.ID)
			args = repaired
		}
		c := *acc
		c.Arguments = args
		out = append(out, c)
	}
	return out, nil
}

// jsonFrame tracks brace depth across chunk boundaries for structured
// output. String and escape state carries over so braces inside string
// literals never affect depth.
type jsonFrame struct {
	started  bool
	done     bool
	depth    int
	inString bool
	escaped  bool
	buf      string
}

// feed consumes a content delta and returns the slice of it that belongs to
// the framed object. Everything before the opening '{' and after the
// balancing '}' is dropped.
func (j *jsonFrame) feed(s string) string {
	if j.done {
		return ""
	}
	var kept []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !j.started {
			if c != '{' {
				continue
			}
			j.started = true
		}
		kept = append(kept, c)
		if j.inString {
			switch {
			case j.escaped:
				j.escaped = false
			case c == '\\':
				j.escaped = true
			case c == '"':
				j.inString = false
			}
			continue
		}
		switch c {
		case '"':
			j.inString = true
		case '{':
			j.depth++
		case '}':
			j.depth--
			if j.depth == 0 {
				j.done = true
				j.buf += string(kept)
				return string(kept)
			}
		}
	}
	j.buf += string(kept)
	return string(kept)
}

// String implements fmt.Stringer for diagnostics.
func (j jsonFrame) String() string {
	return fmt.Sprintf("jsonFrame{started=%t done=%t depth=%d}", j.started, j.done, j.depth)
}
