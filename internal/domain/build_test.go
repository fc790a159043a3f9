package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validBuildSpec() *BuildSpec {
	return &BuildSpec{
		ProjectID:     "project-1",
		CommitSHA:     "deadbeef",
		CommitMessage: "fix blink interval",
		CommitAuthor:  "dev@example.com",
		Branch:        "main",
		TriggeredBy:   TriggerManual,
	}
}

func TestBuildSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*BuildSpec)
		wantErr string
	}{
		{"valid", func(s *BuildSpec) {}, ""},
		{"missing project", func(s *BuildSpec) { s.ProjectID = "" }, "project_id is required"},
		{"missing commit", func(s *BuildSpec) { s.CommitSHA = "" }, "commit_sha is required"},
		{"missing trigger", func(s *BuildSpec) { s.TriggeredBy = "" }, "triggered_by is required"},
		{"unknown trigger", func(s *BuildSpec) { s.TriggeredBy = "cron" }, `unknown trigger source "cron"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validBuildSpec()
			tt.mutate(spec)
			err := spec.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestBuild_StartAndComplete_Success(t *testing.T) {
	b, err := NewBuild(validBuildSpec())
	require.NoError(t, err)
	require.Equal(t, BuildPending, b.Status())
	require.True(t, b.IsActive())

	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, b.Start(started))
	require.Equal(t, BuildRunning, b.Status())
	require.NotNil(t, b.StartedAt())
	require.Equal(t, started, *b.StartedAt())

	completed := started.Add(42 * time.Second)
	require.NoError(t, b.Complete(completed, true))
	require.Equal(t, BuildSuccess, b.Status())
	require.False(t, b.IsActive())
	require.NotNil(t, b.CompletedAt())
	require.NotNil(t, b.DurationSeconds())
	require.InDelta(t, 42.0, *b.DurationSeconds(), 0.001)
}

func TestBuild_Complete_Failure(t *testing.T) {
	b, err := NewBuild(validBuildSpec())
	require.NoError(t, err)

	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, b.Start(started))
	require.NoError(t, b.Complete(started.Add(10*time.Second), false))
	require.Equal(t, BuildFailed, b.Status())
}

func TestBuild_Start_Twice(t *testing.T) {
	b, err := NewBuild(validBuildSpec())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, b.Start(now))
	require.Error(t, b.Start(now.Add(time.Second)), "running builds cannot start again")
}

func TestBuild_FailFast(t *testing.T) {
	b, err := NewBuild(validBuildSpec())
	require.NoError(t, err)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, b.FailFast(now, "Error: project clone path does not exist"))
	require.Equal(t, BuildFailed, b.Status())
	require.Equal(t, "Error: project clone path does not exist", b.BuildOutput())
	require.NotNil(t, b.CompletedAt())
	require.Nil(t, b.DurationSeconds(), "no duration without a start instant")
}

func TestBuild_ResetForRetry(t *testing.T) {
	b, err := NewBuild(validBuildSpec())
	require.NoError(t, err)

	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, b.Start(started))
	b.SetOutputs("compiler exploded", `{"passed": false}`, "/tmp/artifacts")
	require.NoError(t, b.Complete(started.Add(5*time.Second), false))

	require.NoError(t, b.ResetForRetry())
	require.Equal(t, BuildPending, b.Status())
	require.Nil(t, b.StartedAt())
	require.Nil(t, b.CompletedAt())
	require.Nil(t, b.DurationSeconds())
	require.Empty(t, b.BuildOutput())
	require.Empty(t, b.TestResults())
	require.Empty(t, b.ArtifactsPath())
}

func TestBuild_ResetForRetry_OnlyFailed(t *testing.T) {
	b, err := NewBuild(validBuildSpec())
	require.NoError(t, err)

	err = b.ResetForRetry()
	require.Error(t, err)

	var notRetryable *BuildNotRetryableError
	require.ErrorAs(t, err, &notRetryable)
	require.Equal(t, BuildPending, notRetryable.Status)
}

func TestJob_Lifecycle(t *testing.T) {
	j, err := NewJob("firmware_workflow", "qwen2.5-coder")
	require.NoError(t, err)
	require.Equal(t, JobPending, j.Status)

	started := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, j.Start(started))
	require.Equal(t, JobRunning, j.Status)

	require.NoError(t, j.Complete(started.Add(30*time.Second), false, "QA failed after 3 iterations"))
	require.Equal(t, JobFailed, j.Status)
	require.Equal(t, "QA failed after 3 iterations", j.ErrorMessage)
	require.NotNil(t, j.DurationSeconds)
	require.InDelta(t, 30.0, *j.DurationSeconds, 0.001)

	require.Error(t, j.Cancel(started.Add(time.Minute)), "terminal jobs cannot be cancelled")
}

func TestWebhookEvent_Marks(t *testing.T) {
	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	e, err := NewWebhookEvent("push", "delivery-1", `{"ref":"refs/heads/main"}`, now)
	require.NoError(t, err)
	require.Equal(t, WebhookEventPending, e.Status)
	require.False(t, e.SignatureValid)

	e.MarkProcessing()
	require.Equal(t, WebhookEventProcessing, e.Status)

	e.MarkFailed(now.Add(time.Second), "Failed to sync repository: remote unreachable")
	require.Equal(t, WebhookEventFailed, e.Status)
	require.Equal(t, "Failed to sync repository: remote unreachable", e.ErrorMessage)
	require.NotNil(t, e.ProcessedAt)

	e.MarkSuccess(now.Add(2 * time.Second))
	require.Equal(t, WebhookEventSuccess, e.Status)
	require.Empty(t, e.ErrorMessage, "success clears the previous error")
}

func TestDefaultAgents(t *testing.T) {
	agents := DefaultAgents()
	require.Len(t, agents, 6)

	ids := make(map[string]bool)
	for _, a := range agents {
		require.True(t, a.Type.IsValid(), a.ID)
		require.Equal(t, AgentIdle, a.Status)
		ids[a.ID] = true
	}
	require.True(t, ids["agent-builder"])
	require.True(t, ids["agent-qa"])
	require.True(t, ids["agent-pm"])
}

func TestNewDependency_DefaultSource(t *testing.T) {
	d, err := NewDependency("project-1", "espressif/led_strip", "^2.4.1", "")
	require.NoError(t, err)
	require.Equal(t, RegistrySource, d.Source)

	d2, err := NewDependency("project-1", "local/driver", "*", "path:../components/driver")
	require.NoError(t, err)
	require.Equal(t, "path:../components/driver", d2.Source)
}
