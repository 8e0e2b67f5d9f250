package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"

	"github.com/chorusmesh/chorus/bus"
	"github.com/chorusmesh/chorus/chat"
	"github.com/chorusmesh/chorus/logging"
)

// OrchestratorOptions configures an Orchestrator instance.
type OrchestratorOptions struct {
	// ClarifyAgent, PlanAgent and DefaultAgent name the registered
	// definitions used for the hand-off stages. DefaultAgent executes plan
	// steps whose agent_name matches no registered specialist.
	ClarifyAgent string
	PlanAgent    string
	DefaultAgent string
	Logger       logging.Logger
}

// Orchestrator layers the clarify -> plan -> execute hand-off on top of
// per-agent turns. It owns the durable-within-conversation state (agent
// instances, plans) and serializes work per conversation: only one turn per
// conversation is active at once.
type Orchestrator struct {
	defs     *Definitions
	executor *Executor
	infos    *InfoStore
	plans    *PlanStore
	bus      *bus.Bus
	logger   logging.Logger

	clarifyAgent string
	planAgent    string
	defaultAgent string

	mu      sync.Mutex
	cursors map[string]int         // conversation id -> next step index
	paused  map[string]*pausedTurn // conversation id -> suspended turn
}

// Hand-off stages a paused turn can belong to. Decide routes the resumed
// result back through the stage's own post-turn logic.
const (
	stageClarify = "clarify"
	stagePlan    = "plan"
	stageStep    = "step"
)

// pausedTurn remembers which hand-off stage suspended on an authorization
// gate, so the resumed result is not just a completed stream but continues
// the clarify -> plan -> execute machine where it stopped.
type pausedTurn struct {
	instanceID string
	stage      string
	info       *Info
	task       string // planning task, set for stagePlan
}

// NewOrchestrator wires the hand-off machine over a definition registry and
// turn executor.
func NewOrchestrator(defs *Definitions, executor *Executor, b *bus.Bus, optFns ...func(o *OrchestratorOptions)) *Orchestrator {
	opts := OrchestratorOptions{
		ClarifyAgent: "clarify",
		PlanAgent:    "plan",
		DefaultAgent: "general",
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Orchestrator{
		defs:         defs,
		executor:     executor,
		infos:        NewInfoStore(),
		plans:        NewPlanStore(),
		bus:          b,
		logger:       logging.OrNoOp(opts.Logger),
		clarifyAgent: opts.ClarifyAgent,
		planAgent:    opts.PlanAgent,
		defaultAgent: opts.DefaultAgent,
		cursors:      make(map[string]int),
		paused:       make(map[string]*pausedTurn),
	}
}

// Instances exposes the agent instance store.
func (o *Orchestrator) Instances() *InfoStore { return o.infos }

// Plans exposes the plan store.
func (o *Orchestrator) Plans() *PlanStore { return o.plans }

// HandleMessage is the entry point for one user message. The clarification
// agent runs first and stays RUNNING across messages until its structured
// result reports sufficient information; it then hands off to planning.
func (o *Orchestrator) HandleMessage(ctx context.Context, conversationID, text string) error {
	def, ok := o.defs.Lookup(o.clarifyAgent)
	if !ok {
		return fmt.Errorf("agent: clarify definition %q not registered", o.clarifyAgent)
	}

	info, ok := o.infos.Live(conversationID, def.ID)
	if !ok {
		info = NewInfo(def, conversationID, "")
		o.infos.Put(info)
	}

	input := chat.NewMessage(chat.RoleUser, text)
	res, err := o.executor.RunTurn(ctx, def, info, input, PromptData{AgentName: def.Name})
	if err != nil {
		return err
	}
	if res.Paused {
		o.markPaused(conversationID, &pausedTurn{
			instanceID: info.InstanceID,
			stage:      stageClarify,
			info:       info,
		})
		return nil
	}
	return o.clarified(ctx, conversationID, info, res)
}

// clarified applies the clarification agent's finished turn: either the same
// instance keeps collecting information, or the stated task hands off to
// planning.
func (o *Orchestrator) clarified(ctx context.Context, conversationID string, info *Info, res *TurnResult) error {
	sufficient, task := parseClarification(res.Structured, res.Content)
	if !sufficient {
		// More information needed: the same instance answers the next
		// user message.
		info.State = StateRunning
		o.infos.Put(info)
		o.logger.Info("orchestrator.clarify.insufficient", "conversation_id", conversationID)
		return nil
	}

	o.logger.Info("orchestrator.clarify.sufficient",
		"conversation_id", conversationID,
		"task", task,
	)
	return o.propose(ctx, conversationID, task, "")
}

// ConfirmPlan applies a user decision on the conversation's INITIALIZING
// plan. Approval starts step execution; a replan request regenerates the
// plan with the user's feedback folded into a fresh planning prompt; a
// denial retires the plan.
func (o *Orchestrator) ConfirmPlan(ctx context.Context, conversationID, decision, feedback string) error {
	plan, ok := o.plans.Get(conversationID)
	if !ok {
		return fmt.Errorf("agent: no plan for conversation %s", conversationID)
	}
	if plan.State != PlanInitializing {
		return fmt.Errorf("agent: plan %s not awaiting confirmation", plan.ID)
	}

	switch decision {
	case "approve", "confirm":
		o.plans.SetState(conversationID, PlanRunning)
		o.publishPlanEvent(plan, "plan confirmed")
		o.setCursor(conversationID, 0)
		return o.executeSteps(ctx, conversationID)
	case "replan":
		return o.replan(ctx, conversationID, feedback)
	default:
		o.plans.SetState(conversationID, PlanDone)
		o.publishPlanEvent(plan, "plan rejected")
		return nil
	}
}

// Decide routes an authorization decision to the paused turn of the
// conversation. The resumed result re-enters the hand-off machine at the
// stage that suspended: a clarification result is judged for sufficiency, a
// planning result becomes the proposed plan, a step result advances the
// running plan.
func (o *Orchestrator) Decide(ctx context.Context, conversationID string, approved bool) error {
	o.mu.Lock()
	p, ok := o.paused[conversationID]
	if ok {
		delete(o.paused, conversationID)
	}
	o.mu.Unlock()
	if !ok {
		return ErrNoPendingTurn
	}

	res, err := o.executor.Resume(ctx, p.instanceID, approved)
	if err != nil {
		return err
	}
	if res.Paused {
		o.markPaused(conversationID, p)
		return nil
	}

	switch p.stage {
	case stageClarify:
		return o.clarified(ctx, conversationID, p.info, res)
	case stagePlan:
		return o.planProposed(ctx, conversationID, p.task, res)
	default:
		if plan, ok := o.plans.Get(conversationID); ok && plan.State == PlanRunning {
			o.advanceCursor(conversationID)
			return o.executeSteps(ctx, conversationID)
		}
		return nil
	}
}

// propose runs the planning agent and presents the resulting plan for
// confirmation. feedback carries prior failure context on a replan.
func (o *Orchestrator) propose(ctx context.Context, conversationID, task, feedback string) error {
	def, ok := o.defs.Lookup(o.planAgent)
	if !ok {
		return fmt.Errorf("agent: plan definition %q not registered", o.planAgent)
	}

	info := NewInfo(def, conversationID, "")
	o.infos.Put(info)

	res, err := o.executor.RunTurn(ctx, def, info, chat.Message{}, PromptData{
		AgentName: def.Name,
		Task:      task,
		Feedback:  feedback,
	})
	if err != nil {
		return err
	}
	if res.Paused {
		o.markPaused(conversationID, &pausedTurn{
			instanceID: info.InstanceID,
			stage:      stagePlan,
			info:       info,
			task:       task,
		})
		return nil
	}
	return o.planProposed(ctx, conversationID, task, res)
}

// planProposed turns the planning agent's finished result into the
// conversation's live plan and requests confirmation.
func (o *Orchestrator) planProposed(ctx context.Context, conversationID, task string, res *TurnResult) error {
	plan, err := parsePlan(conversationID, task, res.Structured)
	if err != nil {
		ev := bus.ErrorEvent("orchestrator", err, map[string]any{
			"conversation_id": conversationID,
		})
		if _, perr := o.bus.Publish(ev); perr != nil {
			o.logger.Error("orchestrator.error_event.publish_failed", "error", perr.Error())
		}
		return err
	}

	// A replan discards the previous plan outright.
	o.plans.Replace(plan)

	req := bus.NewEvent(bus.TypeConfirm, bus.SubTypeRequest)
	req.Data = map[string]any{
		"conversation_id": conversationID,
		"plan_id":         plan.ID,
		"plan_summary":    plan.PlanSummary,
		"options":         []string{"approve", "replan", "deny"},
	}
	req.Payload = map[string]any{"plan": plan}
	if _, err := o.bus.Publish(req); err != nil {
		return fmt.Errorf("publish plan confirmation: %w", err)
	}

	o.logger.Info("orchestrator.plan.proposed",
		"conversation_id", conversationID,
		"plan_id", plan.ID,
		"steps", len(plan.Steps),
	)
	return nil
}

// executeSteps runs plan steps from the conversation's cursor. Each step is
// a full per-turn loop on the bound specialist, sharing the conversation
// and plan metadata. A step failure triggers a replan with the failure
// context; a pause suspends until the decision arrives.
func (o *Orchestrator) executeSteps(ctx context.Context, conversationID string) error {
	plan, ok := o.plans.Get(conversationID)
	if !ok {
		return fmt.Errorf("agent: no plan for conversation %s", conversationID)
	}

	for i := o.cursor(conversationID); i < len(plan.Steps); i++ {
		step := plan.Steps[i]

		def, ok := o.defs.Lookup(step.AgentName)
		if !ok {
			def, ok = o.defs.Lookup(o.defaultAgent)
			if !ok {
				return fmt.Errorf("agent: no definition for step %d (%q) and no default", step.Index, step.AgentName)
			}
		}

		info := NewInfo(def, conversationID, plan.ID)
		o.infos.Put(info)

		o.logger.Info("orchestrator.step.start",
			"conversation_id", conversationID,
			"step", step.Index,
			"agent", def.Name,
		)

		res, err := o.executor.RunTurn(ctx, def, info, chat.Message{}, PromptData{
			AgentName:   def.Name,
			Task:        plan.Task,
			PlanSummary: plan.PlanSummary,
			StepTitle:   step.Title,
			StepDetails: step.Details,
		})
		if err != nil {
			failure := fmt.Sprintf("step %d (%s) failed: %v", step.Index, step.Title, err)
			o.logger.Warn("orchestrator.step.failed",
				"conversation_id", conversationID,
				"step", step.Index,
				"error", err.Error(),
			)
			return o.replan(ctx, conversationID, failure)
		}
		if res.Paused {
			o.setCursor(conversationID, i)
			o.markPaused(conversationID, &pausedTurn{
				instanceID: info.InstanceID,
				stage:      stageStep,
				info:       info,
			})
			return nil
		}
		o.setCursor(conversationID, i+1)
	}

	o.plans.SetState(conversationID, PlanDone)
	o.publishPlanEvent(plan, "plan completed")
	o.logger.Info("orchestrator.plan.done", "conversation_id", conversationID, "plan_id", plan.ID)
	return nil
}

// replan discards the remaining steps and generates a fresh plan with the
// failure or user feedback appended to the planning prompt.
func (o *Orchestrator) replan(ctx context.Context, conversationID, feedback string) error {
	plan, ok := o.plans.Get(conversationID)
	if !ok {
		return fmt.Errorf("agent: no plan for conversation %s", conversationID)
	}
	o.setCursor(conversationID, 0)
	return o.propose(ctx, conversationID, plan.Task, feedback)
}

func (o *Orchestrator) publishPlanEvent(plan *Plan, note string) {
	ev := bus.NewEvent(bus.TypePlan, bus.SubTypeResult)
	ev.Data = map[string]any{
		"conversation_id": plan.ConversationID,
		"plan_id":         plan.ID,
		"state":           string(plan.State),
		"note":            note,
	}
	if _, err := o.bus.Publish(ev); err != nil {
		o.logger.Warn("orchestrator.plan_event.publish_failed", "error", err.Error())
	}
}

func (o *Orchestrator) markPaused(conversationID string, p *pausedTurn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused[conversationID] = p
}

func (o *Orchestrator) cursor(conversationID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cursors[conversationID]
}

func (o *Orchestrator) setCursor(conversationID string, i int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cursors[conversationID] = i
}

func (o *Orchestrator) advanceCursor(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cursors[conversationID]++
}

// parseClarification reads the clarification agent's structured result.
// Malformed JSON goes through a repair pass first; a result that still
// cannot be read is treated as insufficient rather than fatal.
func parseClarification(structured, fallback string) (sufficient bool, task string) {
	doc := structured
	if doc == "" {
		doc = fallback
	}
	if !gjson.Valid(doc) {
		repaired, err := jsonrepair.JSONRepair(doc)
		if err != nil {
			return false, ""
		}
		doc = repaired
	}
	sufficient = gjson.Get(doc, "sufficient").Bool()
	task = gjson.Get(doc, "task").String()
	if sufficient && task == "" {
		// A sufficiency claim without a task statement is not actionable.
		return false, ""
	}
	return sufficient, task
}

// parsePlan reads the planning agent's structured result into a Plan.
func parsePlan(conversationID, task, structured string) (*Plan, error) {
	doc := structured
	if !gjson.Valid(doc) {
		repaired, err := jsonrepair.JSONRepair(doc)
		if err != nil {
			return nil, fmt.Errorf("agent: unreadable plan output: %w", err)
		}
		doc = repaired
	}

	summary := gjson.Get(doc, "plan_summary").String()
	if t := gjson.Get(doc, "task").String(); t != "" {
		task = t
	}

	var steps []PlanStep
	for _, s := range gjson.Get(doc, "steps").Array() {
		steps = append(steps, PlanStep{
			Title:     s.Get("title").String(),
			Details:   s.Get("details").String(),
			AgentName: s.Get("agent_name").String(),
		})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("agent: plan output contains no steps")
	}
	return NewPlan(conversationID, task, summary, steps), nil
}
