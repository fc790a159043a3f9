package sqlite

import (
	"time"

	"github.com/zjrosen/kiln/internal/domain"
)

// ProjectModel represents the database row for the projects table.
// Fields map directly to SQL columns with Unix timestamps for time values.
type ProjectModel struct {
	ID            string
	Name          string
	RepoURL       string
	RepoFullName  string
	Branch        string
	LocalPath     string
	LastCommitSHA string
	LastSyncAt    *int64 // Unix timestamp, nullable
	Target        string
	BuildSystem   string
	WebhookSecret string
	Status        string
	CreatedAt     int64 // Unix timestamp
	UpdatedAt     int64 // Unix timestamp
}

// toProjectModel converts a domain Project entity to a database ProjectModel.
func toProjectModel(p *domain.Project) *ProjectModel {
	m := &ProjectModel{
		ID:            p.ID(),
		Name:          p.Name(),
		RepoURL:       p.RepoURL(),
		RepoFullName:  p.RepoFullName(),
		Branch:        p.Branch(),
		LocalPath:     p.LocalPath(),
		LastCommitSHA: p.LastCommitSHA(),
		Target:        p.Target(),
		BuildSystem:   p.BuildSystem(),
		WebhookSecret: p.WebhookSecret(),
		Status:        string(p.Status()),
		CreatedAt:     p.CreatedAt().Unix(),
		UpdatedAt:     p.UpdatedAt().Unix(),
	}
	if p.LastSyncAt() != nil {
		lastSyncAt := p.LastSyncAt().Unix()
		m.LastSyncAt = &lastSyncAt
	}
	return m
}

// toDomain converts a database ProjectModel to a domain Project entity.
func (m *ProjectModel) toDomain() *domain.Project {
	var lastSyncAt *time.Time
	if m.LastSyncAt != nil {
		t := time.Unix(*m.LastSyncAt, 0).UTC()
		lastSyncAt = &t
	}
	return domain.ReconstituteProject(
		m.ID,
		m.Name,
		m.RepoURL,
		m.RepoFullName,
		m.Branch,
		m.LocalPath,
		m.LastCommitSHA,
		lastSyncAt,
		m.Target,
		m.BuildSystem,
		m.WebhookSecret,
		domain.ProjectStatus(m.Status),
		time.Unix(m.CreatedAt, 0).UTC(),
		time.Unix(m.UpdatedAt, 0).UTC(),
	)
}

// BuildModel represents the database row for the builds table.
type BuildModel struct {
	ID            int64
	ProjectID     string
	CommitSHA     string
	CommitMessage string
	CommitAuthor  string
	Branch        string
	Status        string

	StartedAt       *int64 // Unix timestamp, nullable
	CompletedAt     *int64 // Unix timestamp, nullable
	DurationSeconds *float64

	BuildOutput   string
	TestResults   string
	ArtifactsPath string

	TriggeredBy      string
	WebhookEventType string

	CreatedAt int64 // Unix timestamp
	UpdatedAt int64 // Unix timestamp
}

// toBuildModel converts a domain Build entity to a database BuildModel.
func toBuildModel(b *domain.Build) *BuildModel {
	m := &BuildModel{
		ID:               b.ID(),
		ProjectID:        b.ProjectID(),
		CommitSHA:        b.CommitSHA(),
		CommitMessage:    b.CommitMessage(),
		CommitAuthor:     b.CommitAuthor(),
		Branch:           b.Branch(),
		Status:           string(b.Status()),
		DurationSeconds:  b.DurationSeconds(),
		BuildOutput:      b.BuildOutput(),
		TestResults:      b.TestResults(),
		ArtifactsPath:    b.ArtifactsPath(),
		TriggeredBy:      string(b.TriggeredBy()),
		WebhookEventType: b.WebhookEventType(),
		CreatedAt:        b.CreatedAt().Unix(),
		UpdatedAt:        b.UpdatedAt().Unix(),
	}
	if b.StartedAt() != nil {
		startedAt := b.StartedAt().Unix()
		m.StartedAt = &startedAt
	}
	if b.CompletedAt() != nil {
		completedAt := b.CompletedAt().Unix()
		m.CompletedAt = &completedAt
	}
	return m
}

// toDomain converts a database BuildModel to a domain Build entity.
func (m *BuildModel) toDomain() *domain.Build {
	var startedAt, completedAt *time.Time
	if m.StartedAt != nil {
		t := time.Unix(*m.StartedAt, 0).UTC()
		startedAt = &t
	}
	if m.CompletedAt != nil {
		t := time.Unix(*m.CompletedAt, 0).UTC()
		completedAt = &t
	}
	return domain.ReconstituteBuild(
		m.ID,
		m.ProjectID,
		m.CommitSHA,
		m.CommitMessage,
		m.CommitAuthor,
		m.Branch,
		domain.BuildStatus(m.Status),
		startedAt,
		completedAt,
		m.DurationSeconds,
		m.BuildOutput,
		m.TestResults,
		m.ArtifactsPath,
		domain.TriggerSource(m.TriggeredBy),
		m.WebhookEventType,
		time.Unix(m.CreatedAt, 0).UTC(),
		time.Unix(m.UpdatedAt, 0).UTC(),
	)
}
