package domain

import "fmt"

// ProjectNotFoundError indicates no project matched the lookup.
type ProjectNotFoundError struct {
	ID   string
	Name string
}

func (e *ProjectNotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("project not found: %s", e.Name)
	}
	return fmt.Sprintf("project not found: %s", e.ID)
}

// DuplicateProjectError indicates a project with the same unique name
// already exists.
type DuplicateProjectError struct {
	Name string
}

func (e *DuplicateProjectError) Error() string {
	return fmt.Sprintf("project already exists: %s", e.Name)
}

// BuildNotFoundError indicates no build matched the lookup.
type BuildNotFoundError struct {
	ID int64
}

func (e *BuildNotFoundError) Error() string {
	return fmt.Sprintf("build not found: %d", e.ID)
}

// BuildNotRetryableError indicates a retry was requested for a build that
// is not in the failed state.
type BuildNotRetryableError struct {
	ID     int64
	Status BuildStatus
}

func (e *BuildNotRetryableError) Error() string {
	return fmt.Sprintf("build %d is %s; only failed builds can be retried", e.ID, e.Status)
}

// AgentNotFoundError indicates no agent matched the lookup.
type AgentNotFoundError struct {
	ID string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.ID)
}

// JobNotFoundError indicates no job matched the lookup.
type JobNotFoundError struct {
	ID int64
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %d", e.ID)
}

// WebhookEventNotFoundError indicates no webhook event matched the lookup.
type WebhookEventNotFoundError struct {
	DeliveryID string
}

func (e *WebhookEventNotFoundError) Error() string {
	return fmt.Sprintf("webhook event not found: %s", e.DeliveryID)
}

// DuplicateDeliveryError indicates a webhook delivery id was already
// recorded; the intake treats the replay as already handled.
type DuplicateDeliveryError struct {
	DeliveryID string
}

func (e *DuplicateDeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery already received: %s", e.DeliveryID)
}
