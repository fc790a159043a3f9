// Package bus provides the process-wide event broker. Components publish
// typed events onto a bounded queue; a single dispatcher fans each event
// out to every matching subscriber. Delivery is non-lossy: when the queue
// is full, publishers block until space frees or their context ends.
package bus

import (
	"slices"
	"time"
)

// Kind categorizes bus events. The set is closed; the WebSocket surface
// serializes these values verbatim.
type Kind string

const (
	// Agent events
	EventAgentStatusChanged Kind = "agent-status-changed"
	EventAgentStarted       Kind = "agent-started"
	EventAgentStopped       Kind = "agent-stopped"

	// Job events
	EventJobCreated   Kind = "job-created"
	EventJobStarted   Kind = "job-started"
	EventJobProgress  Kind = "job-progress"
	EventJobCompleted Kind = "job-completed"
	EventJobFailed    Kind = "job-failed"
	EventJobCancelled Kind = "job-cancelled"

	// Workflow events
	EventWorkflowPhaseStarted   Kind = "workflow-phase-started"
	EventWorkflowPhaseCompleted Kind = "workflow-phase-completed"

	// Telemetry events
	EventLogEntry     Kind = "log-entry"
	EventMetricUpdate Kind = "metric-update"
	EventSystemStatus Kind = "system-status"
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid returns true if this is a recognized event kind.
func (k Kind) IsValid() bool {
	switch k {
	case EventAgentStatusChanged, EventAgentStarted, EventAgentStopped,
		EventJobCreated, EventJobStarted, EventJobProgress,
		EventJobCompleted, EventJobFailed, EventJobCancelled,
		EventWorkflowPhaseStarted, EventWorkflowPhaseCompleted,
		EventLogEntry, EventMetricUpdate, EventSystemStatus:
		return true
	default:
		return false
	}
}

// IsAgentEvent returns true for agent lifecycle and status kinds.
func (k Kind) IsAgentEvent() bool {
	switch k {
	case EventAgentStatusChanged, EventAgentStarted, EventAgentStopped:
		return true
	default:
		return false
	}
}

// IsJobEvent returns true for job lifecycle and progress kinds.
func (k Kind) IsJobEvent() bool {
	switch k {
	case EventJobCreated, EventJobStarted, EventJobProgress,
		EventJobCompleted, EventJobFailed, EventJobCancelled:
		return true
	default:
		return false
	}
}

// IsWorkflowEvent returns true for workflow phase kinds.
func (k Kind) IsWorkflowEvent() bool {
	switch k {
	case EventWorkflowPhaseStarted, EventWorkflowPhaseCompleted:
		return true
	default:
		return false
	}
}

// Event is the envelope published on the bus. The JSON form is streamed
// to WebSocket clients one frame per event.
type Event struct {
	Kind      Kind           `json:"type"`
	Payload   map[string]any `json:"data"`
	AgentID   string         `json:"agent_id,omitempty"`
	JobID     *int64         `json:"job_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates an event with the given kind and payload. The bus
// stamps the timestamp at publication when the caller leaves it zero.
func NewEvent(kind Kind, payload map[string]any) Event {
	return Event{
		Kind:    kind,
		Payload: payload,
	}
}

// WithAgent attaches an agent reference.
func (e Event) WithAgent(agentID string) Event {
	e.AgentID = agentID
	return e
}

// WithJob attaches a job reference.
func (e Event) WithJob(jobID int64) Event {
	e.JobID = &jobID
	return e
}

// Filter defines criteria for filtering events in subscriptions. Criteria
// are AND'd together; an empty filter matches every event.
type Filter struct {
	// Kinds limits delivery to these kinds. Empty allows all.
	Kinds []Kind

	// ExcludeKinds drops these kinds. Applied after Kinds.
	ExcludeKinds []Kind
}

// Matches returns true if the event passes the filter.
func (f *Filter) Matches(event Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, event.Kind) {
		return false
	}
	if len(f.ExcludeKinds) > 0 && slices.Contains(f.ExcludeKinds, event.Kind) {
		return false
	}
	return true
}

// IsEmpty returns true if the filter has no criteria set.
func (f *Filter) IsEmpty() bool {
	return len(f.Kinds) == 0 && len(f.ExcludeKinds) == 0
}
