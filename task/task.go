// Package task converts events into schedulable units of work and executes
// them on a bounded worker pool. Handler failures never crash the runtime;
// they surface as SYSTEM/ERROR events on the bus and the task terminates in
// FAILED with no automatic retry.
package task

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of one task.
type State string

const (
	// StatePending marks a task accepted but not yet picked up by a worker.
	StatePending State = "PENDING"
	// StateRunning marks a task being executed.
	StateRunning State = "RUNNING"
	// StateSuccess marks normal completion.
	StateSuccess State = "SUCCESS"
	// StateFailed marks handler failure, panic or cancellation.
	StateFailed State = "FAILED"
)

// Task is a transient unit of work created from exactly one triggering
// event. DependsOn is only populated for the graph-based scheduling variant
// and is ignored by the pool scheduler.
type Task struct {
	ID        string         `json:"id"`
	ClientID  string         `json:"client_id,omitempty"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	State     State          `json:"state"`
	Created   time.Time      `json:"created"`
}

// New constructs a pending task of the given type.
func New(taskType, clientID string) *Task {
	return &Task{
		ID:       uuid.NewString(),
		ClientID: clientID,
		Type:     taskType,
		State:    StatePending,
		Created:  time.Now().UTC(),
	}
}
