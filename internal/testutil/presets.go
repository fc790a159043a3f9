package testutil

import "time"

// WithStandardProjects adds the standard three-project dataset: an active
// synced project, a freshly registered one, and an archived one.
func (b *Builder) WithStandardProjects() *Builder {
	now := time.Now().UTC()
	yesterday := now.Add(-24 * time.Hour)
	lastWeek := now.Add(-7 * 24 * time.Hour)

	return b.
		WithProject("proj-blinky",
			Name("blinky"), RepoFullName("acme/blinky"),
			Status("active"), LastCommitSHA("7d9f3c1"), WebhookSecret("s3cret"),
			LocalPath("/tmp/kiln-projects/blinky"),
			CreatedAt(lastWeek), UpdatedAt(now)).
		WithProject("proj-sensor-hub",
			Name("sensor-hub"), RepoFullName("acme/sensor-hub"),
			Target("esp32s3"),
			CreatedAt(yesterday), UpdatedAt(yesterday)).
		WithProject("proj-legacy-display",
			Name("legacy-display"), RepoFullName("acme/legacy-display"),
			Status("archived"),
			CreatedAt(lastWeek), UpdatedAt(lastWeek))
}

// WithBuildHistory adds a build history for one project: two successes, a
// failure, and a build still running.
func (b *Builder) WithBuildHistory(projectID string) *Builder {
	now := time.Now().UTC()

	return b.
		WithBuild(projectID,
			CommitSHA("1111aaa"), CommitMessage("Initial firmware"),
			BuildStatus("success"), Duration(42.5),
			BuildCreatedAt(now.Add(-24*time.Hour))).
		WithBuild(projectID,
			CommitSHA("2222bbb"), CommitMessage("Add sensor driver"),
			BuildStatus("success"), Duration(38.1),
			BuildCreatedAt(now.Add(-2*time.Hour))).
		WithBuild(projectID,
			CommitSHA("3333ccc"), CommitMessage("Refactor main loop"),
			BuildStatus("failed"), Duration(91.3),
			BuildCreatedAt(now.Add(-time.Hour))).
		WithBuild(projectID,
			CommitSHA("4444ddd"), CommitMessage("Fix watchdog reset"),
			BuildStatus("running"),
			BuildCreatedAt(now))
}

// WithDefaultAgents adds the standard six-agent roster.
func (b *Builder) WithDefaultAgents() *Builder {
	return b.
		WithAgent("agent-builder", "Builder Agent", "builder").
		WithAgent("agent-developer", "Developer Agent", "developer").
		WithAgent("agent-tester", "Tester Agent", "tester").
		WithAgent("agent-doctor", "Doctor Agent", "doctor").
		WithAgent("agent-qa", "QA Agent", "qa").
		WithAgent("agent-pm", "Project Manager", "project_manager")
}
