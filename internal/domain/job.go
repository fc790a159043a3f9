package domain

import (
	"fmt"
	"time"
)

// Job is an engine-level run record surfaced to the UI. One job is
// created per workflow execution.
type Job struct {
	ID              int64
	JobType         string
	Status          JobStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	Model           string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewJob creates a pending job record.
func NewJob(jobType, model string) (*Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("job_type is required")
	}
	now := time.Now().UTC()
	return &Job{
		JobType:   jobType,
		Status:    JobPending,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Start transitions the job to Running and stamps StartedAt.
func (j *Job) Start(now time.Time) error {
	return j.transitionTo(JobRunning, now)
}

// Complete finishes the job. A failure reason is recorded when success is
// false.
func (j *Job) Complete(now time.Time, success bool, errorMessage string) error {
	target := JobSuccess
	if !success {
		target = JobFailed
		j.ErrorMessage = errorMessage
	}
	return j.transitionTo(target, now)
}

// Cancel transitions the job to Cancelled.
func (j *Job) Cancel(now time.Time) error {
	return j.transitionTo(JobCancelled, now)
}

func (j *Job) transitionTo(target JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid job transition from %s to %s", j.Status, target)
	}
	utc := now.UTC()
	j.Status = target
	switch target {
	case JobRunning:
		if j.StartedAt == nil {
			j.StartedAt = &utc
		}
	case JobSuccess, JobFailed, JobCancelled:
		j.CompletedAt = &utc
		if j.StartedAt != nil {
			d := utc.Sub(*j.StartedAt).Seconds()
			j.DurationSeconds = &d
		}
	}
	j.UpdatedAt = utc
	return nil
}
