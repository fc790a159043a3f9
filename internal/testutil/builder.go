package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// agentData holds data for an agent row to be inserted.
type agentData struct {
	id        string
	name      string
	agentType string
}

// jobData holds data for a job row to be inserted.
type jobData struct {
	jobType string
	status  string
	model   string
}

// metricData holds data for a metric row to be inserted.
type metricData struct {
	metricType string
	value      float64
	agentID    string
	createdAt  time.Time
}

// Builder accumulates test data and inserts it in the correct order.
type Builder struct {
	t        *testing.T
	db       *sql.DB
	projects []projectData
	agents   []agentData
	jobs     []jobData
	builds   []buildData
	logs     []logData
	metrics  []metricData
}

// NewBuilder creates a builder for the given test database connection.
func NewBuilder(t *testing.T, db *sql.DB) *Builder {
	t.Helper()
	return &Builder{t: t, db: db}
}

// WithProject adds a project with optional configuration.
func (b *Builder) WithProject(id string, opts ...ProjectOption) *Builder {
	project := defaultProject(id)
	for _, opt := range opts {
		opt(&project)
	}
	b.projects = append(b.projects, project)
	return b
}

// WithBuild adds a build for the given project.
func (b *Builder) WithBuild(projectID string, opts ...BuildOption) *Builder {
	build := defaultBuild(projectID)
	for _, opt := range opts {
		opt(&build)
	}
	b.builds = append(b.builds, build)
	return b
}

// WithAgent adds an idle agent slot.
func (b *Builder) WithAgent(id, name, agentType string) *Builder {
	b.agents = append(b.agents, agentData{id: id, name: name, agentType: agentType})
	return b
}

// WithJob adds a job record in the given status.
func (b *Builder) WithJob(jobType, status, model string) *Builder {
	b.jobs = append(b.jobs, jobData{jobType: jobType, status: status, model: model})
	return b
}

// WithLog adds a log entry with optional configuration.
func (b *Builder) WithLog(level, message string, opts ...LogOption) *Builder {
	entry := logData{level: level, message: message, createdAt: time.Now().UTC()}
	for _, opt := range opts {
		opt(&entry)
	}
	b.logs = append(b.logs, entry)
	return b
}

// WithMetric adds a metric sample at the given instant.
func (b *Builder) WithMetric(metricType string, value float64, at time.Time) *Builder {
	b.metrics = append(b.metrics, metricData{metricType: metricType, value: value, createdAt: at})
	return b
}

// Build inserts all accumulated data into the database.
func (b *Builder) Build() {
	b.t.Helper()
	// Insert in reference order: projects and agents and jobs first, then
	// the rows that point at them
	for _, project := range b.projects {
		b.insertProject(project)
	}
	for _, agent := range b.agents {
		b.insertAgent(agent)
	}
	for _, job := range b.jobs {
		b.insertJob(job)
	}
	for _, build := range b.builds {
		b.insertBuild(build)
	}
	for _, entry := range b.logs {
		b.insertLog(entry)
	}
	for _, metric := range b.metrics {
		b.insertMetric(metric)
	}
}

func (b *Builder) insertProject(p projectData) {
	b.t.Helper()
	var lastSyncAt *int64
	if p.lastSyncAt != nil {
		v := p.lastSyncAt.Unix()
		lastSyncAt = &v
	}
	_, err := b.db.Exec(
		`INSERT INTO projects (id, name, repo_url, repo_full_name, branch, local_path, last_commit_sha,
			last_sync_at, target, build_system, webhook_secret, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.id, p.name, p.repoURL, p.repoFullName, p.branch, p.localPath, p.lastCommitSHA,
		lastSyncAt, p.target, p.buildSystem, p.webhookSecret, p.status,
		p.createdAt.Unix(), p.updatedAt.Unix(),
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertBuild(build buildData) {
	b.t.Helper()
	var startedAt, completedAt *int64
	if build.startedAt != nil {
		v := build.startedAt.Unix()
		startedAt = &v
	}
	if build.completedAt != nil {
		v := build.completedAt.Unix()
		completedAt = &v
	}
	_, err := b.db.Exec(
		`INSERT INTO builds (project_id, commit_sha, commit_message, commit_author, branch, status,
			started_at, completed_at, duration_seconds, build_output, test_results, artifacts_path,
			triggered_by, webhook_event_type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		build.projectID, build.commitSHA, build.commitMessage, build.commitAuthor, build.branch,
		build.status, startedAt, completedAt, build.durationSeconds, build.buildOutput,
		build.testResults, build.artifactsPath, build.triggeredBy, build.webhookEventType,
		build.createdAt.Unix(), build.updatedAt.Unix(),
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertAgent(agent agentData) {
	b.t.Helper()
	now := time.Now().UTC().Unix()
	_, err := b.db.Exec(
		`INSERT INTO agents (id, name, type, status, last_active, created_at, updated_at)
		 VALUES (?, ?, ?, 'idle', NULL, ?, ?)`,
		agent.id, agent.name, agent.agentType, now, now,
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertJob(job jobData) {
	b.t.Helper()
	now := time.Now().UTC().Unix()
	_, err := b.db.Exec(
		`INSERT INTO jobs (job_type, status, model, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.jobType, job.status, job.model, now, now,
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertLog(entry logData) {
	b.t.Helper()
	var agentID, metadata *string
	if entry.agentID != "" {
		agentID = &entry.agentID
	}
	if entry.metadata != "" {
		metadata = &entry.metadata
	}
	_, err := b.db.Exec(
		`INSERT INTO logs (level, agent_id, job_id, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.level, agentID, entry.jobID, entry.message, metadata, entry.createdAt.Unix(),
	)
	require.NoError(b.t, err)
}

func (b *Builder) insertMetric(metric metricData) {
	b.t.Helper()
	var agentID *string
	if metric.agentID != "" {
		agentID = &metric.agentID
	}
	_, err := b.db.Exec(
		`INSERT INTO metrics (metric_type, value, agent_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		metric.metricType, metric.value, agentID, metric.createdAt.Unix(),
	)
	require.NoError(b.t, err)
}
