package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chorusmesh/chorus/chat"
	"github.com/chorusmesh/chorus/logging"
	"github.com/chorusmesh/chorus/model"
)

// Registry owns the set of callable tools and the provider authorization state
// the agent loop consults before executing tool calls. Tools are registered
// under named groups so different agent definitions can expose different
// capability sets from one shared registry.
//
// A Registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool     // name -> tool
	groups     map[string][]string // group -> tool names, registration order
	authorized map[string]bool     // provider -> granted
	logger     logging.Logger
}

// RegistryOption customizes Registry construction.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the structured logger used for call tracing.
func WithRegistryLogger(l logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logging.OrNoOp(l) }
}

// NewRegistry creates an empty tool registry. The built-in provider (empty
// string) is authorized from the start; every other provider requires an
// explicit Authorize before its tools may run.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:      make(map[string]Tool),
		groups:     make(map[string][]string),
		authorized: map[string]bool{"": true},
		logger:     logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the named group. Registering a second tool with the
// same name replaces the first everywhere; the group membership of the new
// registration is appended if not already present.
func (r *Registry) Register(group string, t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.tools[t.Name()]
	r.tools[t.Name()] = t
	if known {
		for _, n := range r.groups[group] {
			if n == t.Name() {
				return
			}
		}
	}
	r.groups[group] = append(r.groups[group], t.Name())
}

// Lookup returns the tool registered under name, if any.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// LoadTools returns the model-facing definitions of every tool in the named
// group, in registration order. An unknown group yields an empty slice.
func (r *Registry) LoadTools(group string) []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.groups[group]
	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Authorized reports whether the named provider has been granted execution.
// The built-in provider (empty string) is always authorized.
func (r *Registry) Authorized(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authorized[provider]
}

// Authorize grants execution to the named provider. The grant persists for the
// lifetime of the registry; the agent loop asks once per provider.
func (r *Registry) Authorize(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authorized[provider] = true
}

// Unauthorized filters the given tool names down to the distinct providers
// that have not been granted execution yet, in first-reference order. Unknown
// tool names are skipped; the caller surfaces those as call results instead.
func (r *Registry) Unauthorized(toolNames []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var providers []string
	for _, name := range toolNames {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		p := t.Provider()
		if r.authorized[p] || seen[p] {
			continue
		}
		seen[p] = true
		providers = append(providers, p)
	}
	return providers
}

// Call resolves and executes the tool referenced by a terminal tool-call
// fragment and returns the call id plus the result serialized as a JSON
// string. Failures (unknown tool, malformed arguments, execution errors) are
// returned as ordinary result content so the model sees them in-band; Call
// itself never fails the turn.
func (r *Registry) Call(ctx context.Context, call chat.ToolCallFragment) (string, string) {
	t, ok := r.Lookup(call.Name)
	if !ok {
		r.logger.Warn("tool.call.unknown", "tool", call.Name, "call_id", call.ID)
		return call.ID, errorResult(NewToolError(call.Name, "unknown tool", "UNKNOWN_TOOL"))
	}

	args := make(map[string]any)
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			r.logger.Warn("tool.call.bad_arguments", "tool", call.Name, "error", err.Error())
			return call.ID, errorResult(&ToolError{
				Tool:    call.Name,
				Message: fmt.Sprintf("malformed arguments: %v", err),
				Code:    "VALIDATION_ERROR",
			})
		}
	}

	r.logger.Debug("tool.call.start", "tool", call.Name, "call_id", call.ID)

	result, err := t.Call(ctx, args)
	if err != nil {
		r.logger.Error("tool.call.error", "tool", call.Name, "error", err.Error())
		if toolErr, ok := err.(*ToolError); ok {
			return call.ID, errorResult(toolErr)
		}
		return call.ID, errorResult(&ToolError{
			Tool:    call.Name,
			Message: err.Error(),
			Code:    "EXECUTION_ERROR",
		})
	}

	raw, err := json.Marshal(result)
	if err != nil {
		r.logger.Error("tool.call.marshal_failed", "tool", call.Name, "error", err.Error())
		return call.ID, errorResult(&ToolError{
			Tool:    call.Name,
			Message: fmt.Sprintf("unserializable result: %v", err),
			Code:    "EXECUTION_ERROR",
		})
	}

	r.logger.Info("tool.call.success", "tool", call.Name, "call_id", call.ID)
	return call.ID, string(raw)
}

// errorResult serializes a tool error into the in-band JSON envelope appended
// to the conversation as the call's result content.
func errorResult(e *ToolError) string {
	raw, err := json.Marshal(map[string]any{"error": e})
	if err != nil {
		return fmt.Sprintf(`{"error":{"tool":%q,"message":%q}}`, e.Tool, e.Message)
	}
	return string(raw)
}
