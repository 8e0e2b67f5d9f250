package agent

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// PlanState is the lifecycle indicator of a plan.
type PlanState string

const (
	// PlanInitializing marks a freshly proposed plan awaiting confirmation.
	PlanInitializing PlanState = "INITIALIZING"
	// PlanRunning marks a confirmed plan whose steps are executing.
	PlanRunning PlanState = "RUNNING"
	// PlanDone marks a plan whose steps all completed.
	PlanDone PlanState = "DONE"
)

// PlanStep binds one unit of the plan to a named specialist agent.
type PlanStep struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Details   string `json:"details"`
	AgentName string `json:"agent_name"`
}

// Plan is the durable-within-conversation execution outline produced by the
// planning agent. Mutated by the user-confirmation flow and by re-planning;
// at most one live plan per conversation.
type Plan struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Task           string     `json:"task"`
	PlanSummary    string     `json:"plan_summary"`
	State          PlanState  `json:"state"`
	Steps          []PlanStep `json:"steps"`
}

// NewPlan constructs an unconfirmed plan for a conversation.
func NewPlan(conversationID, task, summary string, steps []PlanStep) *Plan {
	for i := range steps {
		steps[i].Index = i
	}
	return &Plan{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Task:           task,
		PlanSummary:    summary,
		State:          PlanInitializing,
		Steps:          steps,
	}
}

// ErrPlanExists is returned when a second live plan is proposed for a
// conversation that already has one.
var ErrPlanExists = errors.New("agent: conversation already has a live plan")

// PlanStore keeps at most one live plan per conversation. Completed plans
// are replaced, not archived. Safe for concurrent use.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan // conversation id -> plan
}

// NewPlanStore constructs an empty plan store.
func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]*Plan)}
}

// Put stores a new plan for the conversation. A live (non-DONE) existing
// plan is rejected; a completed one is replaced.
func (s *PlanStore) Put(p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.plans[p.ConversationID]; ok && existing.State != PlanDone {
		return ErrPlanExists
	}
	s.plans[p.ConversationID] = p
	return nil
}

// Replace unconditionally installs the plan, discarding any live plan for
// the conversation. Used by the re-planning flow.
func (s *PlanStore) Replace(p *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ConversationID] = p
}

// Get returns the conversation's current plan, if any.
func (s *PlanStore) Get(conversationID string) (*Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[conversationID]
	return p, ok
}

// SetState transitions the conversation's plan.
func (s *PlanStore) SetState(conversationID string, state PlanState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.plans[conversationID]; ok {
		p.State = state
	}
}
