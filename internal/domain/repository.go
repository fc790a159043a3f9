package domain

import "time"

// ProjectRepository defines persistence for Project aggregates.
type ProjectRepository interface {
	// Save persists a project, creating it on first save.
	// Returns DuplicateProjectError when the unique name is taken.
	Save(project *Project) error

	// FindByID retrieves a project by UUID.
	// Returns ProjectNotFoundError when absent.
	FindByID(id string) (*Project, error)

	// FindByName retrieves a project by its unique name.
	FindByName(name string) (*Project, error)

	// FindByRepoFullName retrieves the project tracking "owner/repo".
	FindByRepoFullName(fullName string) (*Project, error)

	// List returns all projects ordered by creation time descending.
	List() ([]*Project, error)

	// Delete removes a project and, through foreign keys, its builds and
	// dependencies. Returns ProjectNotFoundError when absent.
	Delete(id string) error

	// Count returns the number of projects.
	Count() (int, error)
}

// BuildListFilter narrows build queries.
type BuildListFilter struct {
	// ProjectID restricts to one project when non-empty.
	ProjectID string

	// Status restricts to one lifecycle state when non-empty.
	Status BuildStatus

	// Limit bounds the result set; 0 means no limit.
	Limit int
}

// BuildStats aggregates build history for the dashboard.
type BuildStats struct {
	Total              int     `json:"total"`
	Pending            int     `json:"pending"`
	Running            int     `json:"running"`
	Successful         int     `json:"successful"`
	Failed             int     `json:"failed"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	SuccessRate        float64 `json:"success_rate"`
}

// BuildRepository defines persistence for Build aggregates.
type BuildRepository interface {
	// Save persists a build. New builds (ID == 0) get an id assigned.
	Save(build *Build) error

	// FindByID retrieves a build. Returns BuildNotFoundError when absent.
	FindByID(id int64) (*Build, error)

	// FindActiveByCommit returns the pending or running build for a
	// project and commit, if one exists. Returns BuildNotFoundError when
	// no active build occupies the slot.
	FindActiveByCommit(projectID, commitSHA string) (*Build, error)

	// List returns builds matching the filter, newest first.
	List(filter BuildListFilter) ([]*Build, error)

	// Stats aggregates counts, the average duration over builds that
	// recorded one, and the success rate.
	Stats() (*BuildStats, error)
}

// DependencyRepository defines persistence for scanned dependencies.
type DependencyRepository interface {
	// ReplaceForProject atomically deletes the project's dependency rows
	// and inserts the new set (overwrite-on-scan).
	ReplaceForProject(projectID string, deps []*Dependency) error

	// ListByProject returns the project's dependencies by component name.
	ListByProject(projectID string) ([]*Dependency, error)

	// CountByProject returns the number of recorded dependencies.
	CountByProject(projectID string) (int, error)
}

// WebhookEventRepository defines persistence for inbound deliveries.
type WebhookEventRepository interface {
	// Save persists an event. Returns DuplicateDeliveryError when the
	// delivery id was already recorded.
	Save(event *WebhookEvent) error

	// FindByDeliveryID retrieves an event by its provider delivery id.
	FindByDeliveryID(deliveryID string) (*WebhookEvent, error)

	// ListRecent returns the newest events up to limit; 0 means no limit.
	ListRecent(limit int) ([]*WebhookEvent, error)
}

// AgentRepository defines persistence for agent slots.
type AgentRepository interface {
	// Save persists an agent, inserting or updating by id.
	Save(agent *Agent) error

	// FindByID retrieves an agent. Returns AgentNotFoundError when absent.
	FindByID(id string) (*Agent, error)

	// List returns all agents ordered by id.
	List() ([]*Agent, error)

	// Delete removes an agent. Returns AgentNotFoundError when absent.
	Delete(id string) error
}

// JobListFilter narrows job queries.
type JobListFilter struct {
	Status JobStatus
	Limit  int
}

// JobRepository defines persistence for job records.
type JobRepository interface {
	// Save persists a job. New jobs (ID == 0) get an id assigned.
	Save(job *Job) error

	// FindByID retrieves a job. Returns JobNotFoundError when absent.
	FindByID(id int64) (*Job, error)

	// List returns jobs matching the filter, newest first.
	List(filter JobListFilter) ([]*Job, error)

	// Delete removes a job. Returns JobNotFoundError when absent.
	Delete(id int64) error
}

// LogListFilter narrows log queries.
type LogListFilter struct {
	Level   LogLevel
	AgentID string
	JobID   *int64
	Limit   int
}

// LogRepository defines persistence for log entries.
type LogRepository interface {
	// Save persists a log entry.
	Save(entry *LogEntry) error

	// List returns entries matching the filter, newest first.
	List(filter LogListFilter) ([]*LogEntry, error)

	// DeleteOlderThan removes entries created before cutoff, optionally
	// restricted to one agent. Returns the number removed.
	DeleteOlderThan(cutoff time.Time, agentID string) (int, error)
}

// MetricListFilter narrows metric queries.
type MetricListFilter struct {
	MetricType string
	AgentID    string
	Limit      int
}

// MetricRepository defines persistence for metric samples.
type MetricRepository interface {
	// Save persists a metric sample.
	Save(metric *Metric) error

	// List returns samples matching the filter, newest first.
	List(filter MetricListFilter) ([]*Metric, error)

	// Summary aggregates samples per metric type since the given instant.
	Summary(since time.Time) (map[string]*MetricSummary, error)
}
