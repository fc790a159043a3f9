package domain

import (
	"fmt"
	"time"
)

// Build is one execution of the workflow against one commit. The commit
// message and author are denormalized so build history survives project
// changes.
type Build struct {
	id            int64
	projectID     string
	commitSHA     string
	commitMessage string
	commitAuthor  string
	branch        string
	status        BuildStatus

	startedAt       *time.Time
	completedAt     *time.Time
	durationSeconds *float64

	buildOutput   string
	testResults   string
	artifactsPath string

	triggeredBy      TriggerSource
	webhookEventType string

	createdAt time.Time
	updatedAt time.Time
}

// BuildSpec carries the fields for creating a build record.
type BuildSpec struct {
	ProjectID        string
	CommitSHA        string
	CommitMessage    string
	CommitAuthor     string
	Branch           string
	TriggeredBy      TriggerSource
	WebhookEventType string
}

// Validate checks required fields.
func (s *BuildSpec) Validate() error {
	if s.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if s.CommitSHA == "" {
		return fmt.Errorf("commit_sha is required")
	}
	if s.TriggeredBy == "" {
		return fmt.Errorf("triggered_by is required")
	}
	if !s.TriggeredBy.IsValid() {
		return fmt.Errorf("unknown trigger source %q", s.TriggeredBy)
	}
	return nil
}

// NewBuild creates a pending build from a validated spec. The id is zero
// until the persistence layer assigns one.
func NewBuild(spec *BuildSpec) (*Build, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid build spec: %w", err)
	}
	now := time.Now().UTC()
	return &Build{
		projectID:        spec.ProjectID,
		commitSHA:        spec.CommitSHA,
		commitMessage:    spec.CommitMessage,
		commitAuthor:     spec.CommitAuthor,
		branch:           spec.Branch,
		status:           BuildPending,
		triggeredBy:      spec.TriggeredBy,
		webhookEventType: spec.WebhookEventType,
		createdAt:        now,
		updatedAt:        now,
	}, nil
}

// ReconstituteBuild creates a Build from persisted data.
func ReconstituteBuild(
	id int64,
	projectID, commitSHA, commitMessage, commitAuthor, branch string,
	status BuildStatus,
	startedAt, completedAt *time.Time,
	durationSeconds *float64,
	buildOutput, testResults, artifactsPath string,
	triggeredBy TriggerSource,
	webhookEventType string,
	createdAt, updatedAt time.Time,
) *Build {
	return &Build{
		id:               id,
		projectID:        projectID,
		commitSHA:        commitSHA,
		commitMessage:    commitMessage,
		commitAuthor:     commitAuthor,
		branch:           branch,
		status:           status,
		startedAt:        startedAt,
		completedAt:      completedAt,
		durationSeconds:  durationSeconds,
		buildOutput:      buildOutput,
		testResults:      testResults,
		artifactsPath:    artifactsPath,
		triggeredBy:      triggeredBy,
		webhookEventType: webhookEventType,
		createdAt:        createdAt,
		updatedAt:        updatedAt,
	}
}

// ID returns the database identifier, zero before first save.
func (b *Build) ID() int64 { return b.id }

// SetID is called by the persistence layer after insert.
func (b *Build) SetID(id int64) { b.id = id }

// ProjectID returns the owning project's UUID.
func (b *Build) ProjectID() string { return b.projectID }

// CommitSHA returns the commit under build.
func (b *Build) CommitSHA() string { return b.commitSHA }

// CommitMessage returns the denormalized commit message.
func (b *Build) CommitMessage() string { return b.commitMessage }

// CommitAuthor returns the denormalized commit author.
func (b *Build) CommitAuthor() string { return b.commitAuthor }

// Branch returns the branch the commit was observed on.
func (b *Build) Branch() string { return b.branch }

// Status returns the lifecycle status.
func (b *Build) Status() BuildStatus { return b.status }

// StartedAt returns when execution began, or nil.
func (b *Build) StartedAt() *time.Time { return b.startedAt }

// CompletedAt returns when execution finished, or nil.
func (b *Build) CompletedAt() *time.Time { return b.completedAt }

// DurationSeconds returns the recorded duration, or nil before completion.
func (b *Build) DurationSeconds() *float64 { return b.durationSeconds }

// BuildOutput returns the captured toolchain output or error text.
func (b *Build) BuildOutput() string { return b.buildOutput }

// TestResults returns the stringified test result blob.
func (b *Build) TestResults() string { return b.testResults }

// ArtifactsPath returns the recorded artifacts location.
func (b *Build) ArtifactsPath() string { return b.artifactsPath }

// TriggeredBy returns what initiated this build.
func (b *Build) TriggeredBy() TriggerSource { return b.triggeredBy }

// WebhookEventType returns the originating webhook event type, empty for
// manual and scheduled builds.
func (b *Build) WebhookEventType() string { return b.webhookEventType }

// CreatedAt returns when the record was created.
func (b *Build) CreatedAt() time.Time { return b.createdAt }

// UpdatedAt returns when the record last changed.
func (b *Build) UpdatedAt() time.Time { return b.updatedAt }

// IsActive returns true while the build occupies its commit slot.
func (b *Build) IsActive() bool { return b.status.IsActive() }

// Start transitions the build to Running and stamps startedAt.
func (b *Build) Start(now time.Time) error {
	if !b.status.CanTransitionTo(BuildRunning) {
		return fmt.Errorf("invalid build transition from %s to %s", b.status, BuildRunning)
	}
	utc := now.UTC()
	b.status = BuildRunning
	b.startedAt = &utc
	b.updatedAt = utc
	return nil
}

// Complete finishes the build, stamps completedAt, and derives the
// duration from startedAt when present.
func (b *Build) Complete(now time.Time, success bool) error {
	target := BuildSuccess
	if !success {
		target = BuildFailed
	}
	if !b.status.CanTransitionTo(target) {
		return fmt.Errorf("invalid build transition from %s to %s", b.status, target)
	}
	utc := now.UTC()
	b.status = target
	b.completedAt = &utc
	if b.startedAt != nil {
		d := utc.Sub(*b.startedAt).Seconds()
		b.durationSeconds = &d
	}
	b.updatedAt = utc
	return nil
}

// FailFast marks a build Failed before it ever ran, recording the reason
// as the build output. Completion is still stamped.
func (b *Build) FailFast(now time.Time, reason string) error {
	if !b.status.CanTransitionTo(BuildFailed) {
		return fmt.Errorf("invalid build transition from %s to %s", b.status, BuildFailed)
	}
	utc := now.UTC()
	b.status = BuildFailed
	b.buildOutput = reason
	b.completedAt = &utc
	if b.startedAt != nil {
		d := utc.Sub(*b.startedAt).Seconds()
		b.durationSeconds = &d
	}
	b.updatedAt = utc
	return nil
}

// ResetForRetry clears the execution record of a failed build so it can
// run again. Only failed builds are retryable.
func (b *Build) ResetForRetry() error {
	if b.status != BuildFailed {
		return &BuildNotRetryableError{ID: b.id, Status: b.status}
	}
	b.status = BuildPending
	b.startedAt = nil
	b.completedAt = nil
	b.durationSeconds = nil
	b.buildOutput = ""
	b.testResults = ""
	b.artifactsPath = ""
	b.updatedAt = time.Now().UTC()
	return nil
}

// SetOutputs records the captured workflow outputs.
func (b *Build) SetOutputs(buildOutput, testResults, artifactsPath string) {
	b.buildOutput = buildOutput
	b.testResults = testResults
	b.artifactsPath = artifactsPath
	b.updatedAt = time.Now().UTC()
}
