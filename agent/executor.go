package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chorusmesh/chorus/bus"
	"github.com/chorusmesh/chorus/chat"
	"github.com/chorusmesh/chorus/logging"
	"github.com/chorusmesh/chorus/model"
	"github.com/chorusmesh/chorus/session"
	"github.com/chorusmesh/chorus/stream"
	"github.com/chorusmesh/chorus/tool"
)

var (
	// ErrTurnLimit is returned when a single turn exceeds its generation
	// budget without reaching a plain completion.
	ErrTurnLimit = errors.New("agent: turn exceeded generation budget")

	// ErrNoPendingTurn is returned by Resume when no paused turn exists for
	// the instance.
	ErrNoPendingTurn = errors.New("agent: no pending turn for instance")
)

// TurnResult describes how a turn ended.
type TurnResult struct {
	// Content is the assistant's final text for the turn.
	Content string
	// Reasoning is the concatenated reasoning text, when the model produced any.
	Reasoning string
	// Structured is the balanced JSON object extracted from a structured
	// output turn, empty otherwise.
	Structured string
	// Paused is set when the turn suspended on an authorization gate; the
	// instance stays RUNNING and Resume continues it.
	Paused bool
	// Providers lists the unauthorized providers that caused the pause.
	Providers []string
	// GroupID is the event group that carried the turn's stream.
	GroupID string
}

// pendingTurn is the snapshot kept while a turn waits on a confirmation
// decision. The paused turn's group is already closed; Resume opens a fresh
// one for the post-decision stream.
type pendingTurn struct {
	def       Definition
	info      *Info
	messages  []chat.Message
	calls     []chat.ToolCallFragment
	providers []string
	iteration int
}

// ExecutorOptions configures an Executor instance.
type ExecutorOptions struct {
	// MaxIterations bounds the generate -> tool -> generate loop per turn.
	MaxIterations int
	Temperature   float64
	MaxTokens     int64
	Logger        logging.Logger
}

// Executor runs the per-turn loop of a single agent instance: compose
// context, stream a generation through the aggregator, execute tool calls,
// feed results back, repeat until plain completion. The loop is explicit
// and iterative with a per-iteration message snapshot.
//
// One Executor serves many instances; paused turns are tracked per instance
// id. Safe for concurrent use across distinct instances.
type Executor struct {
	llm    model.Model
	tools  *tool.Registry
	store  session.Store
	bus    *bus.Bus
	logger logging.Logger

	maxIterations int
	temperature   float64
	maxTokens     int64

	mu      sync.Mutex
	pending map[string]*pendingTurn
}

// NewExecutor wires a turn executor over the given model, tool registry,
// conversation store and bus.
func NewExecutor(llm model.Model, tools *tool.Registry, store session.Store, b *bus.Bus, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{
		MaxIterations: 8,
		Temperature:   0.7,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{
		llm:           llm,
		tools:         tools,
		store:         store,
		bus:           b,
		logger:        logging.OrNoOp(opts.Logger),
		maxIterations: opts.MaxIterations,
		temperature:   opts.Temperature,
		maxTokens:     opts.MaxTokens,
		pending:       make(map[string]*pendingTurn),
	}
}

// RunTurn executes one logical turn for the instance. The input message, if
// non-empty, is appended to the conversation log before generation. The
// returned result is nil exactly when err is non-nil.
func (e *Executor) RunTurn(ctx context.Context, def Definition, info *Info, input chat.Message, data PromptData) (*TurnResult, error) {
	prompt, err := def.RenderPrompt(data)
	if err != nil {
		return nil, err
	}

	if input.Content != "" {
		if err := e.store.Append(info.ConversationID, input); err != nil {
			return nil, fmt.Errorf("append input: %w", err)
		}
	}
	history, err := e.store.History(info.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	messages := make([]chat.Message, 0, len(history)+1)
	messages = append(messages, chat.NewMessage(chat.RoleSystem, prompt))
	messages = append(messages, history...)

	info.State = StateRunning

	groupID, err := e.openGroup(info)
	if err != nil {
		return nil, err
	}

	e.logger.Info("agent.turn.start",
		"agent", info.Name,
		"instance_id", info.InstanceID,
		"conversation_id", info.ConversationID,
		"group_id", groupID,
	)

	return e.loop(ctx, def, info, messages, groupID, 0)
}

// Resume continues a turn paused on an authorization gate. An approval
// authorizes the pending providers and executes the held calls; a denial
// feeds a denied result back to the model in-band so it can adjust.
func (e *Executor) Resume(ctx context.Context, instanceID string, approved bool) (*TurnResult, error) {
	e.mu.Lock()
	p, ok := e.pending[instanceID]
	if ok {
		delete(e.pending, instanceID)
	}
	e.mu.Unlock()
	if !ok {
		return nil, ErrNoPendingTurn
	}

	e.logger.Info("agent.turn.resume",
		"instance_id", instanceID,
		"approved", approved,
		"providers", p.providers,
	)

	var messages []chat.Message
	if approved {
		for _, provider := range p.providers {
			e.tools.Authorize(provider)
		}
		messages = e.applyCalls(ctx, p.info, p.messages, p.calls)
	} else {
		messages = e.applyDenied(p.info, p.messages, p.calls)
	}

	// The pre-pause group was closed when the turn suspended; the resumed
	// stream gets its own group.
	groupID, err := e.openGroup(p.info)
	if err != nil {
		return nil, err
	}
	return e.loop(ctx, p.def, p.info, messages, groupID, p.iteration+1)
}

// openGroup starts a fresh event group for one streamed generation span.
func (e *Executor) openGroup(info *Info) (string, error) {
	groupID := uuid.NewString()
	started := bus.NewGrouped(bus.TypeMessage, bus.SubTypeChunk, groupID, bus.GroupStarted)
	started.Data = map[string]any{
		"conversation_id": info.ConversationID,
		"instance_id":     info.InstanceID,
		"agent":           info.Name,
	}
	if _, err := e.bus.Publish(started); err != nil {
		return "", fmt.Errorf("open group: %w", err)
	}
	return groupID, nil
}

// loop drives generation iterations until plain completion, a pause, an
// error or the iteration budget.
func (e *Executor) loop(ctx context.Context, def Definition, info *Info, messages []chat.Message, groupID string, startIter int) (*TurnResult, error) {
	for iter := startIter; iter < e.maxIterations; iter++ {
		content, reasoning, structured, calls, err := e.generate(ctx, def, messages, groupID)
		if err != nil {
			e.failTurn(info, groupID, err)
			return nil, err
		}

		if len(calls) == 0 {
			return e.complete(info, groupID, content, reasoning, structured)
		}

		names := make([]string, len(calls))
		for i, c := range calls {
			names[i] = c.Name
		}
		if providers := e.tools.Unauthorized(names); len(providers) > 0 {
			// Close the group before suspending: a confirmation can take
			// minutes, and an open idle group would be reclaimed as STOPPED
			// by the sweeper long before the human answers.
			ended := bus.NewGrouped(bus.TypeMessage, bus.SubTypeChunk, groupID, bus.GroupEnded)
			if _, perr := e.bus.Publish(ended); perr != nil {
				e.logger.Warn("agent.group.end_failed", "group_id", groupID, "error", perr.Error())
			}

			e.mu.Lock()
			e.pending[info.InstanceID] = &pendingTurn{
				def:       def,
				info:      info,
				messages:  messages,
				calls:     calls,
				providers: providers,
				iteration: iter,
			}
			e.mu.Unlock()

			req := bus.NewEvent(bus.TypeConfirm, bus.SubTypeRequest)
			req.Data = map[string]any{
				"instance_id":     info.InstanceID,
				"conversation_id": info.ConversationID,
				"providers":       providers,
				"options":         []string{"approve", "deny"},
			}
			if _, err := e.bus.Publish(req); err != nil {
				e.logger.Error("agent.confirm.publish_failed", "error", err.Error())
			}

			e.logger.Info("agent.turn.paused",
				"instance_id", info.InstanceID,
				"providers", providers,
			)
			return &TurnResult{Paused: true, Providers: providers, GroupID: groupID}, nil
		}

		messages = e.applyCalls(ctx, info, messages, calls)
	}

	err := ErrTurnLimit
	e.failTurn(info, groupID, err)
	return nil, err
}

// generate streams one model call through the aggregator, publishing every
// canonical chunk as an ordered group event. Cancellation is checked at
// chunk boundaries; a cancelled stream closes the group with STOPPED.
func (e *Executor) generate(ctx context.Context, def Definition, messages []chat.Message, groupID string) (content, reasoning, structured string, calls []chat.ToolCallFragment, err error) {
	var aggOpts []stream.Option
	if def.Structured {
		aggOpts = append(aggOpts, stream.WithStructuredOutput())
	}
	aggOpts = append(aggOpts, stream.WithLogger(e.logger))
	agg := stream.New(aggOpts...)

	req := model.Request{
		Messages:    messages,
		Structured:  def.Structured,
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}
	if def.ToolGroup != "" {
		req.Tools = e.tools.LoadTools(def.ToolGroup)
	}

	chunks, errs := e.llm.GenerateStream(ctx, req)

	var emitted []chat.StreamingChunk
	for ck := range chunks {
		select {
		case <-ctx.Done():
			return "", "", "", nil, ctx.Err()
		default:
		}

		for _, out := range agg.Push(ck) {
			emitted = append(emitted, out)
			ev := bus.NewGrouped(bus.TypeMessage, bus.SubTypeChunk, groupID, bus.GroupSending)
			ev.Data = map[string]any{"chunk": out}
			if _, perr := e.bus.Publish(ev); perr != nil {
				e.logger.Warn("agent.chunk.publish_failed", "group_id", groupID, "error", perr.Error())
			}
		}
	}
	if serr := <-errs; serr != nil {
		return "", "", "", nil, serr
	}

	calls, err = agg.Finalize()
	if err != nil {
		return "", "", "", nil, err
	}

	content, reasoning = chat.Assemble(emitted)
	return content, reasoning, agg.StructuredContent(), calls, nil
}

// applyCalls executes one batch of tool calls concurrently, persists the
// call and result messages, and returns the extended working context.
func (e *Executor) applyCalls(ctx context.Context, info *Info, messages []chat.Message, calls []chat.ToolCallFragment) []chat.Message {
	assistant := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleAssistant,
		ToolCalls: calls,
	}
	messages = append(messages, assistant)
	if err := e.store.Append(info.ConversationID, assistant); err != nil {
		e.logger.Warn("agent.persist_failed", "conversation_id", info.ConversationID, "error", err.Error())
	}

	results := make([]chat.Message, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			id, result := e.tools.Call(gctx, call)
			results[i] = chat.Message{
				ID:         uuid.NewString(),
				Role:       chat.RoleTool,
				Content:    result,
				ToolCallID: id,
			}
			ev := bus.NewEvent(bus.TypeTool, bus.SubTypeResult)
			ev.Data = map[string]any{
				"conversation_id": info.ConversationID,
				"tool":            call.Name,
				"call_id":         id,
			}
			if _, err := e.bus.Publish(ev); err != nil {
				e.logger.Warn("agent.tool_event.publish_failed", "error", err.Error())
			}
			return nil
		})
	}
	// Registry.Call reports failures in-band; the join never fails.
	_ = g.Wait()

	for _, msg := range results {
		messages = append(messages, msg)
		if err := e.store.Append(info.ConversationID, msg); err != nil {
			e.logger.Warn("agent.persist_failed", "conversation_id", info.ConversationID, "error", err.Error())
		}
	}
	return messages
}

// applyDenied records a denial result for every held call so the model sees
// the refusal as ordinary tool output.
func (e *Executor) applyDenied(info *Info, messages []chat.Message, calls []chat.ToolCallFragment) []chat.Message {
	assistant := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleAssistant,
		ToolCalls: calls,
	}
	messages = append(messages, assistant)
	if err := e.store.Append(info.ConversationID, assistant); err != nil {
		e.logger.Warn("agent.persist_failed", "conversation_id", info.ConversationID, "error", err.Error())
	}
	for _, call := range calls {
		msg := chat.Message{
			ID:         uuid.NewString(),
			Role:       chat.RoleTool,
			Content:    `{"error":{"message":"tool execution denied by user","code":"AUTHORIZATION_DENIED"}}`,
			ToolCallID: call.ID,
		}
		messages = append(messages, msg)
		if err := e.store.Append(info.ConversationID, msg); err != nil {
			e.logger.Warn("agent.persist_failed", "conversation_id", info.ConversationID, "error", err.Error())
		}
	}
	return messages
}

// complete closes the turn normally: persist the assistant message, retire
// the instance, close the group and emit the agent-result event.
func (e *Executor) complete(info *Info, groupID, content, reasoning, structured string) (*TurnResult, error) {
	if content != "" || reasoning != "" {
		msg := chat.Message{
			ID:        uuid.NewString(),
			Role:      chat.RoleAssistant,
			Content:   content,
			Reasoning: reasoning,
		}
		if err := e.store.Append(info.ConversationID, msg); err != nil {
			e.logger.Warn("agent.persist_failed", "conversation_id", info.ConversationID, "error", err.Error())
		}
	}

	info.State = StateDone

	ended := bus.NewGrouped(bus.TypeMessage, bus.SubTypeChunk, groupID, bus.GroupEnded)
	if _, err := e.bus.Publish(ended); err != nil {
		e.logger.Warn("agent.group.end_failed", "group_id", groupID, "error", err.Error())
	}

	result := bus.NewEvent(bus.TypeAgent, bus.SubTypeResult)
	result.Data = map[string]any{
		"instance_id":     info.InstanceID,
		"conversation_id": info.ConversationID,
		"agent":           info.Name,
		"content":         content,
	}
	if _, err := e.bus.Publish(result); err != nil {
		e.logger.Warn("agent.result.publish_failed", "error", err.Error())
	}

	e.logger.Info("agent.turn.done",
		"agent", info.Name,
		"instance_id", info.InstanceID,
		"group_id", groupID,
	)

	return &TurnResult{
		Content:    content,
		Reasoning:  reasoning,
		Structured: structured,
		GroupID:    groupID,
	}, nil
}

// failTurn surfaces an unrecoverable turn error as a SYSTEM/ERROR event and
// closes the group. The instance keeps its last stable state.
func (e *Executor) failTurn(info *Info, groupID string, err error) {
	e.logger.Error("agent.turn.failed",
		"agent", info.Name,
		"instance_id", info.InstanceID,
		"error", err.Error(),
	)

	// Both cancellation and failure close the group with STOPPED, never ENDED.
	stopped := bus.NewGrouped(bus.TypeMessage, bus.SubTypeChunk, groupID, bus.GroupStopped)
	if _, perr := e.bus.Publish(stopped); perr != nil {
		e.logger.Warn("agent.group.stop_failed", "group_id", groupID, "error", perr.Error())
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// A cancelled turn is not an error condition the client needs to see.
		return
	}

	ev := bus.ErrorEvent("agent", err, map[string]any{
		"instance_id":     info.InstanceID,
		"conversation_id": info.ConversationID,
		"agent":           info.Name,
	})
	if _, perr := e.bus.Publish(ev); perr != nil {
		e.logger.Error("agent.error_event.publish_failed", "error", perr.Error())
	}
}
