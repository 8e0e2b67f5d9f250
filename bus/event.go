// Package bus implements the publish/subscribe backbone of the runtime.
//
// Events without a group flow through one global FIFO ingestion point and
// are fanned out to all matching handlers concurrently. Events carrying a
// group id are routed to a dedicated, lazily created actor for that group,
// which guarantees strict per-group delivery order while unrelated groups
// run fully in parallel. A background sweep reclaims groups whose producer
// disappeared without emitting a terminal event.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Type selects the handler set for an event. The set of valid types is
// closed and registered at bus construction; publishing an unknown type
// fails fast instead of silently no-op-ing.
type Type string

const (
	// TypeMessage carries conversational content (user input, assistant output).
	TypeMessage Type = "MESSAGE"
	// TypeTask carries scheduler lifecycle notifications.
	TypeTask Type = "TASK"
	// TypeAgent carries agent lifecycle and result notifications.
	TypeAgent Type = "AGENT"
	// TypeTool carries tool invocation activity.
	TypeTool Type = "TOOL"
	// TypePlan carries plan lifecycle notifications.
	TypePlan Type = "PLAN"
	// TypeConfirm carries human confirmation requests and decisions.
	TypeConfirm Type = "CONFIRM"
	// TypeSystem carries runtime-level notifications, including errors.
	TypeSystem Type = "SYSTEM"
)

// Well-known sub types. SubType is free-form but these cover the runtime's
// own traffic.
const (
	SubTypeError    = "ERROR"
	SubTypeChunk    = "CHUNK"
	SubTypeResult   = "RESULT"
	SubTypeRequest  = "REQUEST"
	SubTypeDecision = "DECISION"
	SubTypeTimeout  = "IDLE_TIMEOUT"
)

// GroupStatus is the lifecycle indicator of an event group.
type GroupStatus string

const (
	// GroupStarted opens a group.
	GroupStarted GroupStatus = "STARTED"
	// GroupSending marks any interior event of an open group.
	GroupSending GroupStatus = "SENDING"
	// GroupEnded closes a group after normal completion.
	GroupEnded GroupStatus = "ENDED"
	// GroupStopped closes a group that was externally cancelled.
	GroupStopped GroupStatus = "STOPPED"
)

// Terminal reports whether the status closes a group.
func (s GroupStatus) Terminal() bool { return s == GroupEnded || s == GroupStopped }

// Group binds an event to an ordered sub-stream representing one continuous
// output (typically one LLM streaming response or one conversation action).
type Group struct {
	ID     string      `json:"id"`
	Status GroupStatus `json:"status"`
}

// Event is the unit of communication between runtime components. Immutable
// once published.
type Event struct {
	ID      string         `json:"id"`
	Type    Type           `json:"type"`
	SubType string         `json:"sub_type,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Created time.Time      `json:"created"`
	Silent  bool           `json:"silent,omitempty"`
	Group   *Group         `json:"group,omitempty"`
}

// NewEvent constructs an ungrouped event of the given type and sub type.
func NewEvent(t Type, subType string) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    t,
		SubType: subType,
		Created: time.Now().UTC(),
	}
}

// NewGrouped constructs an event bound to a group with the given status.
func NewGrouped(t Type, subType, groupID string, status GroupStatus) Event {
	ev := NewEvent(t, subType)
	ev.Group = &Group{ID: groupID, Status: status}
	return ev
}

// ErrorEvent builds the canonical SYSTEM/ERROR event other components
// publish when a failure must surface to the client instead of crashing the
// orchestration process.
func ErrorEvent(source string, err error, data map[string]any) Event {
	ev := NewEvent(TypeSystem, SubTypeError)
	if data == nil {
		data = map[string]any{}
	}
	data["source"] = source
	data["error"] = err.Error()
	ev.Data = data
	return ev
}
