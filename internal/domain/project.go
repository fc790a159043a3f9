package domain

import (
	"fmt"
	"time"
)

// DefaultBranch is the branch tracked when a project does not name one.
const DefaultBranch = "main"

// DefaultTarget is the chip target assigned to new projects.
const DefaultTarget = "esp32"

// DefaultBuildSystem tags the toolchain used to build a project.
const DefaultBuildSystem = "idf"

// Project is the aggregate root for a tracked repository. Fields are
// unexported to enforce the lifecycle rules; use the constructor and the
// transition methods.
type Project struct {
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
	status        ProjectStatus

	createdAt time.Time
	updatedAt time.Time
}

// ProjectSpec carries the caller-supplied fields for creating a project.
type ProjectSpec struct {
	Name          string
	RepoURL       string
	RepoFullName  string
	Branch        string
	Target        string
	BuildSystem   string
	WebhookSecret string
}

// Validate checks required fields and value ranges.
func (s *ProjectSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.RepoURL == "" {
		return fmt.Errorf("repo_url is required")
	}
	if s.RepoFullName == "" {
		return fmt.Errorf("repo_full_name is required")
	}
	if s.Target != "" && !IsValidTarget(s.Target) {
		return fmt.Errorf("unsupported target %q", s.Target)
	}
	return nil
}

// validTargets is the closed set of chip targets the toolchain accepts.
var validTargets = map[string]bool{
	"esp32":   true,
	"esp32s2": true,
	"esp32s3": true,
	"esp32c3": true,
	"esp32c6": true,
	"esp32h2": true,
}

// IsValidTarget reports whether target names a supported chip.
func IsValidTarget(target string) bool {
	return validTargets[target]
}

// ValidTargets returns the supported chip targets in stable order.
func ValidTargets() []string {
	return []string{"esp32", "esp32s2", "esp32s3", "esp32c3", "esp32c6", "esp32h2"}
}

// NewProject creates a pending project from a validated spec. The id is
// assigned by the caller (a UUID) and localPath is derived from the
// configured projects base directory.
func NewProject(id string, spec *ProjectSpec, localPath string) (*Project, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid project spec: %w", err)
	}
	if id == "" {
		return nil, fmt.Errorf("id is required")
	}

	branch := spec.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	target := spec.Target
	if target == "" {
		target = DefaultTarget
	}
	buildSystem := spec.BuildSystem
	if buildSystem == "" {
		buildSystem = DefaultBuildSystem
	}

	now := time.Now().UTC()
	return &Project{
		id:            id,
		name:          spec.Name,
		repoURL:       spec.RepoURL,
		repoFullName:  spec.RepoFullName,
		branch:        branch,
		localPath:     localPath,
		target:        target,
		buildSystem:   buildSystem,
		webhookSecret: spec.WebhookSecret,
		status:        ProjectPending,
		createdAt:     now,
		updatedAt:     now,
	}, nil
}

// ReconstituteProject creates a Project from persisted data.
func ReconstituteProject(
	id, name, repoURL, repoFullName, branch, localPath, lastCommitSHA string,
	lastSyncAt *time.Time,
	target, buildSystem, webhookSecret string,
	status ProjectStatus,
	createdAt, updatedAt time.Time,
) *Project {
	return &Project{
		id:            id,
		name:          name,
		repoURL:       repoURL,
		repoFullName:  repoFullName,
		branch:        branch,
		localPath:     localPath,
		lastCommitSHA: lastCommitSHA,
		lastSyncAt:    lastSyncAt,
		target:        target,
		buildSystem:   buildSystem,
		webhookSecret: webhookSecret,
		status:        status,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
	}
}

// ID returns the project UUID.
func (p *Project) ID() string { return p.id }

// Name returns the unique human name.
func (p *Project) Name() string { return p.name }

// RepoURL returns the remote repository URL.
func (p *Project) RepoURL() string { return p.repoURL }

// RepoFullName returns the canonical "owner/repo" slug.
func (p *Project) RepoFullName() string { return p.repoFullName }

// Branch returns the tracked branch.
func (p *Project) Branch() string { return p.branch }

// LocalPath returns the clone location on disk.
func (p *Project) LocalPath() string { return p.localPath }

// LastCommitSHA returns the last observed commit hash.
func (p *Project) LastCommitSHA() string { return p.lastCommitSHA }

// LastSyncAt returns the last successful synchronization instant, or nil.
func (p *Project) LastSyncAt() *time.Time { return p.lastSyncAt }

// Target returns the chip target.
func (p *Project) Target() string { return p.target }

// BuildSystem returns the build-system tag.
func (p *Project) BuildSystem() string { return p.buildSystem }

// WebhookSecret returns the shared webhook secret, empty when unset.
func (p *Project) WebhookSecret() string { return p.webhookSecret }

// Status returns the lifecycle status.
func (p *Project) Status() ProjectStatus { return p.status }

// CreatedAt returns when the project was registered.
func (p *Project) CreatedAt() time.Time { return p.createdAt }

// UpdatedAt returns when the project was last modified.
func (p *Project) UpdatedAt() time.Time { return p.updatedAt }

// SetName renames the project.
func (p *Project) SetName(name string) {
	p.name = name
	p.touch()
}

// SetBranch changes the tracked branch.
func (p *Project) SetBranch(branch string) {
	p.branch = branch
	p.touch()
}

// SetTarget changes the chip target. Returns an error for an unknown chip.
func (p *Project) SetTarget(target string) error {
	if !IsValidTarget(target) {
		return fmt.Errorf("unsupported target %q", target)
	}
	p.target = target
	p.touch()
	return nil
}

// SetWebhookSecret replaces the shared webhook secret.
func (p *Project) SetWebhookSecret(secret string) {
	p.webhookSecret = secret
	p.touch()
}

// SetLocalPath records where the clone lives.
func (p *Project) SetLocalPath(path string) {
	p.localPath = path
	p.touch()
}

// Activate transitions the project to Active after a successful clone or
// recovery sync.
func (p *Project) Activate(now time.Time) error {
	return p.transitionTo(ProjectActive, now)
}

// MarkSyncError transitions the project to Error after a failed clone or
// sync. No-op error when already archived.
func (p *Project) MarkSyncError(now time.Time) error {
	if p.status == ProjectError {
		p.updatedAt = now.UTC()
		return nil
	}
	return p.transitionTo(ProjectError, now)
}

// Archive retires the project from builds.
func (p *Project) Archive(now time.Time) error {
	return p.transitionTo(ProjectArchived, now)
}

// RecordSync stores the observed head commit and sync instant. A project
// in Error state recovers to Active.
func (p *Project) RecordSync(commitSHA string, now time.Time) error {
	utc := now.UTC()
	p.lastCommitSHA = commitSHA
	p.lastSyncAt = &utc
	p.updatedAt = utc
	if p.status == ProjectError {
		return p.transitionTo(ProjectActive, now)
	}
	return nil
}

func (p *Project) transitionTo(target ProjectStatus, now time.Time) error {
	if !p.status.CanTransitionTo(target) {
		return fmt.Errorf("invalid project transition from %s to %s", p.status, target)
	}
	p.status = target
	p.updatedAt = now.UTC()
	return nil
}

func (p *Project) touch() {
	p.updatedAt = time.Now().UTC()
}
