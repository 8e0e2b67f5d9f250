package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chorusmesh/chorus/agent"
	"github.com/chorusmesh/chorus/bus"
	"github.com/chorusmesh/chorus/config"
	"github.com/chorusmesh/chorus/logging"
	"github.com/chorusmesh/chorus/model"
	"github.com/chorusmesh/chorus/notify"
	"github.com/chorusmesh/chorus/session"
	"github.com/chorusmesh/chorus/task"
	"github.com/chorusmesh/chorus/tool"
)

// TaskTypeMessage is the scheduler task type for inbound user messages.
const TaskTypeMessage = "MESSAGE"

// ErrShutdown is returned by Run after the runtime has been shut down.
var ErrShutdown = errors.New("runner: runtime is shut down")

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// Config supplies runtime tuning; defaults to config.Default().
	Config *config.Runtime
	// Store persists conversation history.
	Store session.Store
	// Notifier receives client-facing events; nil disables forwarding.
	Notifier notify.Notifier
	// Logging services.
	Logger logging.Logger
}

// conversation carries the per-conversation serialization state. mu is the
// single-writer turn lock; cancel and clientID are guarded by the runtime
// mutex so Cancel never waits on an in-flight turn.
type conversation struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	clientID string
}

// Runtime coordinates conversation execution: inbound messages become
// scheduler tasks, tasks drive the orchestrator's hand-off machine, and the
// resulting events flow to the notifier. Public methods are safe for
// concurrent use.
type Runtime struct {
	cfg          *config.Runtime
	bus          *bus.Bus
	scheduler    *task.Scheduler
	orchestrator *agent.Orchestrator
	store        session.Store
	notifier     notify.Notifier
	logger       logging.Logger

	mu     sync.Mutex
	convs  map[string]*conversation
	closed bool
}

// New wires a Runtime over the given model, agent definitions and tool
// registry. The bus, scheduler, executor and orchestrator are constructed
// internally from the configuration.
func New(llm model.Model, defs *agent.Definitions, tools *tool.Registry, optFns ...func(o *Options)) *Runtime {
	opts := Options{
		Config: config.Default(),
		Store:  session.NewInMemoryStore(),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)

	b := bus.New(
		bus.WithIdleWindow(opts.Config.IdleWindow),
		bus.WithReplayCapacity(opts.Config.ReplayCapacity),
		bus.WithLogger(logger),
	)
	executor := agent.NewExecutor(llm, tools, opts.Store, b, func(o *agent.ExecutorOptions) {
		o.MaxIterations = opts.Config.MaxIterations
		o.Temperature = opts.Config.Temperature
		o.MaxTokens = opts.Config.MaxTokens
		o.Logger = logger
	})
	orchestrator := agent.NewOrchestrator(defs, executor, b, func(o *agent.OrchestratorOptions) {
		o.Logger = logger
	})
	scheduler := task.NewScheduler(b,
		task.WithWorkers(opts.Config.Workers),
		task.WithQueueSize(opts.Config.QueueSize),
		task.WithLogger(logger),
	)

	r := &Runtime{
		cfg:          opts.Config,
		bus:          b,
		scheduler:    scheduler,
		orchestrator: orchestrator,
		store:        opts.Store,
		notifier:     opts.Notifier,
		logger:       logger,
		convs:        make(map[string]*conversation),
	}

	scheduler.Register(TaskTypeMessage, r.handleMessageTask)
	if r.notifier != nil {
		for _, t := range []bus.Type{bus.TypeMessage, bus.TypeAgent, bus.TypePlan, bus.TypeConfirm, bus.TypeSystem, bus.TypeTool} {
			r.bus.Subscribe(t, r.forward)
		}
	}
	return r
}

// Bus exposes the runtime's event bus, e.g. for group subscriptions from a
// transport layer.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Orchestrator exposes the hand-off machine, e.g. for inspecting plans.
func (r *Runtime) Orchestrator() *agent.Orchestrator { return r.orchestrator }

// Run accepts one user message for a conversation and schedules its turn.
// It returns the scheduler task id; execution is asynchronous and observable
// through bus events.
func (r *Runtime) Run(conversationID, clientID, text string) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrShutdown
	}
	conv, ok := r.convs[conversationID]
	if !ok {
		conv = &conversation{}
		r.convs[conversationID] = conv
	}
	conv.clientID = clientID
	r.mu.Unlock()

	t := task.New(TaskTypeMessage, clientID)
	t.Data = map[string]any{
		"conversation_id": conversationID,
		"text":            text,
	}
	id, err := r.scheduler.Execute(t)
	if err != nil {
		return "", fmt.Errorf("schedule message: %w", err)
	}

	r.logger.Info("runner.run",
		"conversation_id", conversationID,
		"client_id", clientID,
		"task_id", id,
	)
	return id, nil
}

// Decide applies a user decision to the conversation's pending confirmation.
// Tool authorization pauses take precedence; otherwise the decision is
// applied to the plan awaiting confirmation. decision is one of "approve",
// "deny" or "replan"; feedback accompanies a replan.
func (r *Runtime) Decide(ctx context.Context, conversationID, decision, feedback string) error {
	ev := bus.NewEvent(bus.TypeConfirm, bus.SubTypeDecision)
	ev.Data = map[string]any{
		"conversation_id": conversationID,
		"decision":        decision,
	}
	if _, err := r.bus.Publish(ev); err != nil {
		r.logger.Warn("runner.decision_event.publish_failed", "error", err.Error())
	}

	conv := r.conversationFor(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.setCancel(conv, cancel)
	defer func() {
		r.setCancel(conv, nil)
		cancel()
	}()

	err := r.orchestrator.Decide(ctx, conversationID, decision == "approve" || decision == "confirm")
	if errors.Is(err, agent.ErrNoPendingTurn) {
		return r.orchestrator.ConfirmPlan(ctx, conversationID, decision, feedback)
	}
	return err
}

// Cancel stops the conversation's in-flight turn, if any. The interrupted
// group is closed with STOPPED by the executor.
func (r *Runtime) Cancel(conversationID string) bool {
	r.mu.Lock()
	conv, ok := r.convs[conversationID]
	var cancel context.CancelFunc
	if ok {
		cancel = conv.cancel
	}
	r.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	r.logger.Info("runner.cancel", "conversation_id", conversationID)
	return true
}

// Shutdown drains the scheduler and stops the bus. In-flight turns finish
// or are cancelled by their own contexts; new Run calls fail.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.scheduler.Shutdown()
	r.bus.Shutdown()
	r.logger.Info("runner.shutdown")
}

// handleMessageTask is the scheduler handler bridging MESSAGE tasks into
// the orchestrator. It holds the conversation mutex for the duration of the
// turn, which is the runtime's single-writer guarantee.
func (r *Runtime) handleMessageTask(ctx context.Context, t *task.Task) error {
	conversationID, _ := t.Data["conversation_id"].(string)
	text, _ := t.Data["text"].(string)
	if conversationID == "" {
		return fmt.Errorf("runner: message task %s missing conversation_id", t.ID)
	}

	conv := r.conversationFor(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.setCancel(conv, cancel)
	defer func() {
		r.setCancel(conv, nil)
		cancel()
	}()

	return r.orchestrator.HandleMessage(ctx, conversationID, text)
}

// setCancel updates the conversation's in-flight cancel function under the
// runtime mutex.
func (r *Runtime) setCancel(conv *conversation, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv.cancel = cancel
}

// conversationFor returns (creating if needed) the serialization record of
// a conversation.
func (r *Runtime) conversationFor(conversationID string) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[conversationID]
	if !ok {
		conv = &conversation{}
		r.convs[conversationID] = conv
	}
	return conv
}

// forward pushes a client-facing event to the notifier, resolving the
// addressed client from the event's conversation id.
func (r *Runtime) forward(ev bus.Event) {
	conversationID, _ := ev.Data["conversation_id"].(string)
	if conversationID == "" {
		return
	}
	r.mu.Lock()
	conv, ok := r.convs[conversationID]
	r.mu.Unlock()
	if !ok || conv.clientID == "" {
		return
	}
	if err := r.notifier.Deliver(conv.clientID, ev); err != nil {
		r.logger.Debug("runner.notify.dropped",
			"conversation_id", conversationID,
			"client_id", conv.clientID,
			"error", err.Error(),
		)
	}
}
