// Package domain defines the core entities of the build orchestration
// service: projects, builds, webhook events, agents, jobs, logs, and
// metrics, together with their lifecycle state machines and the
// persistence interfaces the infrastructure layer implements.
package domain

// ProjectStatus represents the lifecycle state of a tracked project.
// Valid transitions:
//
//	Pending  -> Active, Error, Archived
//	Active   -> Error, Archived
//	Error    -> Active, Archived
//	Archived -> (terminal)
type ProjectStatus string

const (
	// ProjectPending indicates the project is registered but not yet cloned.
	ProjectPending ProjectStatus = "pending"
	// ProjectActive indicates the project has a healthy local clone.
	ProjectActive ProjectStatus = "active"
	// ProjectError indicates the last synchronization failed.
	ProjectError ProjectStatus = "error"
	// ProjectArchived indicates the project is retired from builds.
	ProjectArchived ProjectStatus = "archived"
)

var projectTransitions = map[ProjectStatus]map[ProjectStatus]bool{
	ProjectPending: {
		ProjectActive:   true,
		ProjectError:    true,
		ProjectArchived: true,
	},
	ProjectActive: {
		ProjectError:    true,
		ProjectArchived: true,
	},
	ProjectError: {
		ProjectActive:   true,
		ProjectArchived: true,
	},
	ProjectArchived: {},
}

// String returns the string representation of the project status.
func (s ProjectStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized ProjectStatus value.
func (s ProjectStatus) IsValid() bool {
	_, ok := projectTransitions[s]
	return ok
}

// CanTransitionTo returns true if moving from the current status to the
// target is allowed by the project state machine.
func (s ProjectStatus) CanTransitionTo(target ProjectStatus) bool {
	allowed, ok := projectTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// BuildStatus represents the lifecycle state of a build.
// Valid transitions:
//
//	Pending -> Running, Failed
//	Running -> Success, Failed
//	Success -> (terminal)
//	Failed  -> Pending (operator retry)
type BuildStatus string

const (
	// BuildPending indicates the build is recorded but not yet executing.
	BuildPending BuildStatus = "pending"
	// BuildRunning indicates the workflow is executing for this build.
	BuildRunning BuildStatus = "running"
	// BuildSuccess indicates every workflow task completed.
	BuildSuccess BuildStatus = "success"
	// BuildFailed indicates the workflow failed or could not start.
	BuildFailed BuildStatus = "failed"
)

var buildTransitions = map[BuildStatus]map[BuildStatus]bool{
	BuildPending: {
		BuildRunning: true,
		BuildFailed:  true,
	},
	BuildRunning: {
		BuildSuccess: true,
		BuildFailed:  true,
	},
	BuildSuccess: {},
	BuildFailed: {
		BuildPending: true,
	},
}

// String returns the string representation of the build status.
func (s BuildStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized BuildStatus value.
func (s BuildStatus) IsValid() bool {
	_, ok := buildTransitions[s]
	return ok
}

// IsTerminal returns true for Success. Failed builds may be retried, so
// only Success admits no further transition without operator action.
func (s BuildStatus) IsTerminal() bool {
	return s == BuildSuccess
}

// IsActive returns true while the build still occupies its commit slot
// (pending or running). At most one active build exists per project and
// commit.
func (s BuildStatus) IsActive() bool {
	return s == BuildPending || s == BuildRunning
}

// CanTransitionTo returns true if moving from the current status to the
// target is allowed by the build state machine.
func (s BuildStatus) CanTransitionTo(target BuildStatus) bool {
	allowed, ok := buildTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// WebhookEventStatus represents the processing state of one inbound
// webhook delivery.
type WebhookEventStatus string

const (
	WebhookEventPending    WebhookEventStatus = "pending"
	WebhookEventProcessing WebhookEventStatus = "processing"
	WebhookEventSuccess    WebhookEventStatus = "success"
	WebhookEventFailed     WebhookEventStatus = "failed"
)

// IsValid returns true if this is a recognized WebhookEventStatus value.
func (s WebhookEventStatus) IsValid() bool {
	switch s {
	case WebhookEventPending, WebhookEventProcessing, WebhookEventSuccess, WebhookEventFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of the event status.
func (s WebhookEventStatus) String() string {
	return string(s)
}

// AgentStatus represents the display state of an agent slot.
type AgentStatus string

const (
	AgentIdle   AgentStatus = "idle"
	AgentActive AgentStatus = "active"
	AgentError  AgentStatus = "error"
)

// IsValid returns true if this is a recognized AgentStatus value.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentIdle, AgentActive, AgentError:
		return true
	default:
		return false
	}
}

// String returns the string representation of the agent status.
func (s AgentStatus) String() string {
	return string(s)
}

// JobStatus represents the lifecycle state of a job record.
// Valid transitions:
//
//	Pending -> Running, Cancelled
//	Running -> Success, Failed, Cancelled
//	Success, Failed, Cancelled -> (terminal)
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending: {
		JobRunning:   true,
		JobCancelled: true,
	},
	JobRunning: {
		JobSuccess:   true,
		JobFailed:    true,
		JobCancelled: true,
	},
	JobSuccess:   {},
	JobFailed:    {},
	JobCancelled: {},
}

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized JobStatus value.
func (s JobStatus) IsValid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// IsTerminal returns true if the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

// CanTransitionTo returns true if moving from the current status to the
// target is allowed by the job state machine.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	allowed, ok := jobTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// LogLevel classifies a persisted log entry.
type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
	LogSuccess LogLevel = "SUCCESS"
)

// IsValid returns true if this is a recognized LogLevel value.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarning, LogError, LogSuccess:
		return true
	default:
		return false
	}
}

// String returns the string representation of the level.
func (l LogLevel) String() string {
	return string(l)
}

// TriggerSource records what initiated a build.
type TriggerSource string

const (
	TriggerWebhook   TriggerSource = "webhook"
	TriggerManual    TriggerSource = "manual"
	TriggerScheduled TriggerSource = "scheduled"
)

// IsValid returns true if this is a recognized TriggerSource value.
func (t TriggerSource) IsValid() bool {
	switch t {
	case TriggerWebhook, TriggerManual, TriggerScheduled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the trigger source.
func (t TriggerSource) String() string {
	return string(t)
}
