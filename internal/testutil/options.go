package testutil

import "time"

// projectData holds all data for a project row to be inserted.
type projectData struct {
	id            string
	name          string
	repoURL       string
	repoFullName  string
	branch        string
	localPath     string
	lastCommitSHA string
	lastSyncAt    *time.Time
	target        string
	buildSystem   string
	webhookSecret string
	status        string
	createdAt     time.Time
	updatedAt     time.Time
}

// defaultProject returns a projectData with sensible defaults.
func defaultProject(id string) projectData {
	now := time.Now().UTC()
	return projectData{
		id:           id,
		name:         id, // Default name is the ID
		repoURL:      "https://github.com/acme/" + id + ".git",
		repoFullName: "acme/" + id,
		branch:       "main",
		target:       "esp32",
		buildSystem:  "idf",
		status:       "pending",
		createdAt:    now,
		updatedAt:    now,
	}
}

// ProjectOption configures a project during builder setup.
type ProjectOption func(*projectData)

// Name sets the project name.
func Name(name string) ProjectOption {
	return func(p *projectData) { p.name = name }
}

// RepoURL sets the clone URL.
func RepoURL(url string) ProjectOption {
	return func(p *projectData) { p.repoURL = url }
}

// RepoFullName sets the owner/repo identifier used for webhook routing.
func RepoFullName(fullName string) ProjectOption {
	return func(p *projectData) { p.repoFullName = fullName }
}

// Branch sets the tracked branch.
func Branch(branch string) ProjectOption {
	return func(p *projectData) { p.branch = branch }
}

// LocalPath sets the checkout location.
func LocalPath(path string) ProjectOption {
	return func(p *projectData) { p.localPath = path }
}

// LastCommitSHA records a synced commit. Sets lastSyncAt to now when no
// explicit sync time was given.
func LastCommitSHA(sha string) ProjectOption {
	return func(p *projectData) {
		p.lastCommitSHA = sha
		if p.lastSyncAt == nil {
			now := time.Now().UTC()
			p.lastSyncAt = &now
		}
	}
}

// LastSyncAt sets the sync timestamp explicitly.
func LastSyncAt(t time.Time) ProjectOption {
	return func(p *projectData) { p.lastSyncAt = &t }
}

// Target sets the chip target.
func Target(target string) ProjectOption {
	return func(p *projectData) { p.target = target }
}

// BuildSystem sets the build system tag.
func BuildSystem(system string) ProjectOption {
	return func(p *projectData) { p.buildSystem = system }
}

// WebhookSecret sets the per-project HMAC secret.
func WebhookSecret(secret string) ProjectOption {
	return func(p *projectData) { p.webhookSecret = secret }
}

// Status sets the project status.
func Status(status string) ProjectOption {
	return func(p *projectData) { p.status = status }
}

// CreatedAt sets the created_at timestamp.
func CreatedAt(t time.Time) ProjectOption {
	return func(p *projectData) { p.createdAt = t }
}

// UpdatedAt sets the updated_at timestamp.
func UpdatedAt(t time.Time) ProjectOption {
	return func(p *projectData) { p.updatedAt = t }
}

// buildData holds all data for a build row to be inserted.
type buildData struct {
	projectID        string
	commitSHA        string
	commitMessage    string
	commitAuthor     string
	branch           string
	status           string
	startedAt        *time.Time
	completedAt      *time.Time
	durationSeconds  *float64
	buildOutput      string
	testResults      string
	artifactsPath    string
	triggeredBy      string
	webhookEventType string
	createdAt        time.Time
	updatedAt        time.Time
}

// defaultBuild returns a buildData with sensible defaults.
func defaultBuild(projectID string) buildData {
	now := time.Now().UTC()
	return buildData{
		projectID:   projectID,
		commitSHA:   "abc123",
		branch:      "main",
		status:      "pending",
		triggeredBy: "webhook",
		createdAt:   now,
		updatedAt:   now,
	}
}

// BuildOption configures a build during builder setup.
type BuildOption func(*buildData)

// CommitSHA sets the commit the build ran against.
func CommitSHA(sha string) BuildOption {
	return func(b *buildData) { b.commitSHA = sha }
}

// CommitMessage sets the commit message.
func CommitMessage(message string) BuildOption {
	return func(b *buildData) { b.commitMessage = message }
}

// CommitAuthor sets the commit author.
func CommitAuthor(author string) BuildOption {
	return func(b *buildData) { b.commitAuthor = author }
}

// OnBranch sets the branch the build ran against.
func OnBranch(branch string) BuildOption {
	return func(b *buildData) { b.branch = branch }
}

// BuildStatus sets the build status. Running builds get a start time and
// finished builds get start, completion, and duration when none were set.
func BuildStatus(status string) BuildOption {
	return func(b *buildData) {
		b.status = status
		now := time.Now().UTC()
		switch status {
		case "running":
			if b.startedAt == nil {
				start := now.Add(-5 * time.Second)
				b.startedAt = &start
			}
		case "success", "failed":
			if b.startedAt == nil {
				start := now.Add(-5 * time.Second)
				b.startedAt = &start
			}
			if b.completedAt == nil {
				b.completedAt = &now
			}
			if b.durationSeconds == nil {
				duration := b.completedAt.Sub(*b.startedAt).Seconds()
				b.durationSeconds = &duration
			}
		}
	}
}

// StartedAt sets the start timestamp explicitly.
func StartedAt(t time.Time) BuildOption {
	return func(b *buildData) { b.startedAt = &t }
}

// CompletedAt sets the completion timestamp explicitly.
func CompletedAt(t time.Time) BuildOption {
	return func(b *buildData) { b.completedAt = &t }
}

// Duration sets the recorded duration in seconds.
func Duration(seconds float64) BuildOption {
	return func(b *buildData) { b.durationSeconds = &seconds }
}

// BuildOutput sets the captured build output.
func BuildOutput(output string) BuildOption {
	return func(b *buildData) { b.buildOutput = output }
}

// TestResults sets the captured test results.
func TestResults(results string) BuildOption {
	return func(b *buildData) { b.testResults = results }
}

// ArtifactsPath sets the artifacts location.
func ArtifactsPath(path string) BuildOption {
	return func(b *buildData) { b.artifactsPath = path }
}

// TriggeredBy sets the trigger source.
func TriggeredBy(source string) BuildOption {
	return func(b *buildData) { b.triggeredBy = source }
}

// EventType sets the webhook event type that triggered the build.
func EventType(eventType string) BuildOption {
	return func(b *buildData) { b.webhookEventType = eventType }
}

// BuildCreatedAt sets the created_at timestamp.
func BuildCreatedAt(t time.Time) BuildOption {
	return func(b *buildData) {
		b.createdAt = t
		b.updatedAt = t
	}
}

// logData holds data for a log row to be inserted.
type logData struct {
	level     string
	agentID   string
	jobID     *int64
	message   string
	metadata  string
	createdAt time.Time
}

// LogOption configures a log entry during builder setup.
type LogOption func(*logData)

// LogAgent attaches an agent reference.
func LogAgent(agentID string) LogOption {
	return func(l *logData) { l.agentID = agentID }
}

// LogJob attaches a job reference.
func LogJob(jobID int64) LogOption {
	return func(l *logData) { l.jobID = &jobID }
}

// LogMetadata attaches raw JSON metadata.
func LogMetadata(raw string) LogOption {
	return func(l *logData) { l.metadata = raw }
}

// LogAt sets the created_at timestamp.
func LogAt(t time.Time) LogOption {
	return func(l *logData) { l.createdAt = t }
}
