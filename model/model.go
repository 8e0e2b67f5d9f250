package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/chorusmesh/chorus/chat"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the
// model. Parameters is a JSON Schema object (draft agnostic, minimal subset
// expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by agent turns.
type Request struct {
	Model    string           `json:"model,omitempty"`
	Messages []chat.Message   `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	// Structured requests JSON-object output; the aggregator applies brace
	// framing to the resulting stream.
	Structured  bool    `json:"structured,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int64   `json:"max_tokens,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", ...
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by agent turns to drive
// generation. GenerateStream blocks its caller for the duration of the
// upstream stream; cancellation is cooperative via ctx, checked at chunk
// boundaries.
type Model interface {
	GenerateStream(ctx context.Context, req Request) (<-chan chat.StreamingChunk, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// ThirdPartyError wraps a transport or provider failure, carrying the
// originating service name so SYSTEM/ERROR events can attribute it.
type ThirdPartyError struct {
	Service string
	Err     error
}

// Error implements error.
func (e *ThirdPartyError) Error() string {
	return fmt.Sprintf("third-party service %s: %v", e.Service, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *ThirdPartyError) Unwrap() error { return e.Err }

// NewThirdPartyError wraps err with its originating service name.
func NewThirdPartyError(service string, err error) *ThirdPartyError {
	return &ThirdPartyError{Service: service, Err: err}
}

// MockModel is a scriptable in-memory Model for tests and examples. Each
// call pops the next scripted chunk sequence; when the script is exhausted
// it falls back to echoing the last user message.
type MockModel struct {
	info Info

	mu      sync.Mutex
	scripts [][]chat.StreamingChunk
	err     error
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name string) *MockModel {
	return &MockModel{info: Info{Name: name, Provider: "mock", SupportsTools: true}}
}

// Script enqueues one full chunk sequence to return from the next call.
func (m *MockModel) Script(chunks ...chat.StreamingChunk) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, chunks)
	return m
}

// ScriptText enqueues a streamed text response split into per-rune chunks
// followed by a stop chunk.
func (m *MockModel) ScriptText(text string) *MockModel {
	var chunks []chat.StreamingChunk
	for _, r := range text {
		chunks = append(chunks, chat.ContentChunk(m.info.Name, string(r)))
	}
	chunks = append(chunks, chat.FinishChunk(m.info.Name, chat.FinishStop))
	return m.Script(chunks...)
}

// ScriptToolCall enqueues a response that requests a single tool call with
// complete arguments in one chunk.
func (m *MockModel) ScriptToolCall(callID, name, provider, args string) *MockModel {
	ck := chat.NewChunk(m.info.Name)
	ck.ToolCalls = []chat.ToolCallFragment{{ID: callID, Name: name, Provider: provider, Arguments: args}}
	fin := chat.FinishChunk(m.info.Name, chat.FinishToolCalls)
	return m.Script(ck, fin)
}

// FailWith makes every subsequent call return err instead of chunks.
func (m *MockModel) FailWith(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// GenerateStream implements Model.
func (m *MockModel) GenerateStream(ctx context.Context, req Request) (<-chan chat.StreamingChunk, <-chan error) {
	out := make(chan chat.StreamingChunk, 32)
	errCh := make(chan error, 1)

	m.mu.Lock()
	failErr := m.err
	var chunks []chat.StreamingChunk
	if len(m.scripts) > 0 {
		chunks = m.scripts[0]
		m.scripts = m.scripts[1:]
	}
	m.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)
		if failErr != nil {
			errCh <- failErr
			return
		}
		if chunks == nil {
			text := "mock response"
			for i := len(req.Messages) - 1; i >= 0; i-- {
				if req.Messages[i].Role == chat.RoleUser {
					text = "mock response to: " + req.Messages[i].Content
					break
				}
			}
			chunks = []chat.StreamingChunk{
				chat.ContentChunk(m.info.Name, text),
				chat.FinishChunk(m.info.Name, chat.FinishStop),
			}
		}
		for _, ck := range chunks {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- ck:
			}
		}
	}()
	return out, errCh
}

// Info implements Model.
func (m *MockModel) Info() Info { return m.info }
