package agent

import (
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle indicator of one running agent instance.
type State string

const (
	// StateInit marks a freshly created instance that has not taken a turn.
	StateInit State = "INIT"
	// StateRunning marks an instance with an active or paused turn.
	StateRunning State = "RUNNING"
	// StateDone marks an instance whose work completed. Done instances are
	// retired, never deleted.
	StateDone State = "DONE"
)

// Info is the persisted runtime identity of one running agent instance.
// Created when an agent is invoked, mutated by the orchestrator on every
// turn boundary.
type Info struct {
	InstanceID        string   `json:"instance_id"`
	AgentDefinitionID string   `json:"agent_definition_id"`
	Name              string   `json:"name"`
	State             State    `json:"state"`
	ConversationID    string   `json:"conversation_id"`
	DialogSegmentID   string   `json:"dialog_segment_id"`
	GeneratorID       string   `json:"generator_id"`
	CapabilityTags    []string `json:"capability_tags"`
}

// NewInfo creates an instance record for one invocation of a definition
// within a conversation.
func NewInfo(def Definition, conversationID, dialogSegmentID string) *Info {
	return &Info{
		InstanceID:        uuid.NewString(),
		AgentDefinitionID: def.ID,
		Name:              def.Name,
		State:             StateInit,
		ConversationID:    conversationID,
		DialogSegmentID:   dialogSegmentID,
		GeneratorID:       uuid.NewString(),
		CapabilityTags:    def.CapabilityTags,
	}
}

// InfoStore keeps agent instance records for the lifetime of the process.
// Instances transition INIT -> RUNNING -> DONE and stay queryable after
// retirement. Safe for concurrent use.
type InfoStore struct {
	mu        sync.RWMutex
	instances map[string]*Info
}

// NewInfoStore constructs an empty instance store.
func NewInfoStore() *InfoStore {
	return &InfoStore{instances: make(map[string]*Info)}
}

// Put inserts or replaces an instance record.
func (s *InfoStore) Put(info *Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[info.InstanceID] = info
}

// Get returns the instance with the given id, if present.
func (s *InfoStore) Get(instanceID string) (*Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.instances[instanceID]
	return info, ok
}

// Live returns the non-retired instance of the named definition within a
// conversation, if one exists. Used to re-enter a clarification agent that
// is still waiting on more information.
func (s *InfoStore) Live(conversationID, definitionID string) (*Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, info := range s.instances {
		if info.ConversationID == conversationID &&
			info.AgentDefinitionID == definitionID &&
			info.State != StateDone {
			return info, true
		}
	}
	return nil, false
}

// SetState transitions the instance, keeping retired records in place.
func (s *InfoStore) SetState(instanceID string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.instances[instanceID]; ok {
		info.State = state
	}
}
