package agent

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// Definition describes a named agent the orchestrator can instantiate: its
// system prompt template, the tool group it may call, and the capability
// tags plans use to bind steps to it.
type Definition struct {
	ID             string
	Name           string
	Description    string
	PromptTemplate string
	// ToolGroup selects the registry group exposed to this agent; empty
	// means no tools.
	ToolGroup string
	// Structured requests JSON-object output from the model. The clarify
	// and plan agents rely on this.
	Structured     bool
	CapabilityTags []string
}

// PromptData is the context available to a definition's prompt template.
type PromptData struct {
	AgentName   string
	Task        string
	PlanSummary string
	StepTitle   string
	StepDetails string
	// Feedback carries prior failure context into a re-planning prompt.
	Feedback string
}

// RenderPrompt executes the definition's prompt template against the given
// data. An empty template falls back to a minimal assistant prompt.
func (d Definition) RenderPrompt(data PromptData) (string, error) {
	if d.PromptTemplate == "" {
		return fmt.Sprintf("You are %s, a helpful AI assistant.", d.Name), nil
	}
	tmpl, err := template.New(d.Name).Parse(d.PromptTemplate)
	if err != nil {
		return "", fmt.Errorf("parse prompt template for %q: %w", d.Name, err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt for %q: %w", d.Name, err)
	}
	return sb.String(), nil
}

// Definitions is the registry of agents available to the orchestrator,
// keyed by name. Safe for concurrent use.
type Definitions struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewDefinitions constructs an empty definition registry.
func NewDefinitions() *Definitions {
	return &Definitions{defs: make(map[string]Definition)}
}

// Register adds or replaces a definition under its name.
func (r *Definitions) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// Lookup returns the definition registered under name, if any.
func (r *Definitions) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered definition names, unordered.
func (r *Definitions) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}
