// Package chorus provides a high-level façade over the orchestration runtime
// (event bus, task scheduler, agent state machine & supporting services)
// enabling rapid construction of multi-agent conversation systems. Most
// applications interact with this package by:
//  1. Creating a Chorus via New() with a model and optional service overrides
//  2. Registering agent definitions (clarify, plan, specialists) and tools
//  3. Sending user messages (Send) and applying confirmation decisions (Decide)
//
// The façade delegates orchestration to runner.Runtime while keeping setup
// and usage ergonomics concise. All defaults are safe for local development
// and testing; production deployments typically supply a durable session
// store, a websocket notifier and a structured logger.
package chorus

import (
	"context"

	"github.com/chorusmesh/chorus/agent"
	"github.com/chorusmesh/chorus/config"
	"github.com/chorusmesh/chorus/logging"
	"github.com/chorusmesh/chorus/model"
	"github.com/chorusmesh/chorus/notify"
	"github.com/chorusmesh/chorus/runner"
	"github.com/chorusmesh/chorus/session"
	"github.com/chorusmesh/chorus/tool"
)

// Options configures the Chorus instance.
type Options struct {
	// Config supplies runtime tuning (worker pool, buffers, idle window);
	// defaults to config.Default(). Use config.Load() to read it from the
	// environment.
	Config *config.Runtime

	// Store persists conversation history (defaults to in-memory).
	Store session.Store

	// Notifier receives client-facing events (nil disables forwarding).
	Notifier notify.Notifier

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// Chorus is the high-level façade aggregating the runtime and its registries.
type Chorus struct {
	opts    Options
	defs    *agent.Definitions
	tools   *tool.Registry
	runtime *runner.Runtime
}

// New creates a Chorus instance around the given model with optional
// overrides. Any unset service is initialized with an in-memory
// implementation.
func New(llm model.Model, optFns ...func(o *Options)) *Chorus {
	opts := Options{
		Config: config.Default(),
		Store:  session.NewInMemoryStore(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	defs := agent.NewDefinitions()
	tools := tool.NewRegistry(tool.WithRegistryLogger(opts.Logger))
	rt := runner.New(llm, defs, tools, func(o *runner.Options) {
		o.Config = opts.Config
		o.Store = opts.Store
		o.Notifier = opts.Notifier
		o.Logger = opts.Logger
	})

	return &Chorus{opts: opts, defs: defs, tools: tools, runtime: rt}
}

// RegisterAgent adds an agent definition to the registry.
func (c *Chorus) RegisterAgent(def agent.Definition) { c.defs.Register(def) }

// RegisterTool adds a tool to the named registry group.
func (c *Chorus) RegisterTool(group string, t tool.Tool) { c.tools.Register(group, t) }

// Runtime exposes the underlying runtime for advanced wiring (bus group
// subscriptions, plan inspection).
func (c *Chorus) Runtime() *runner.Runtime { return c.runtime }

// Send schedules one user message for a conversation and returns the task id.
func (c *Chorus) Send(conversationID, clientID, text string) (string, error) {
	return c.runtime.Run(conversationID, clientID, text)
}

// Decide applies a confirmation decision ("approve", "deny", "replan") to the
// conversation's pending gate.
func (c *Chorus) Decide(ctx context.Context, conversationID, decision, feedback string) error {
	return c.runtime.Decide(ctx, conversationID, decision, feedback)
}

// Cancel stops the conversation's in-flight turn, if any.
func (c *Chorus) Cancel(conversationID string) bool {
	return c.runtime.Cancel(conversationID)
}

// Shutdown stops the runtime.
func (c *Chorus) Shutdown() { c.runtime.Shutdown() }
