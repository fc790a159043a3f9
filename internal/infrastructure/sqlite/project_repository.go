package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zjrosen/kiln/internal/domain"
)

// projectColumns is the list of columns to select for project queries.
const projectColumns = `id, name, repo_url, repo_full_name, branch, local_path, last_commit_sha, last_sync_at,
	target, build_system, webhook_secret, status, created_at, updated_at`

// projectRepository implements domain.ProjectRepository using SQLite.
type projectRepository struct {
	db *sql.DB
}

// newProjectRepository creates a new projectRepository instance.
func newProjectRepository(db *sql.DB) *projectRepository {
	return &projectRepository{db: db}
}

// Ensure projectRepository implements domain.ProjectRepository.
var _ domain.ProjectRepository = (*projectRepository)(nil)

// scanProject scans a row into a ProjectModel.
func scanProject(scanner interface{ Scan(...any) error }) (*ProjectModel, error) {
	var model ProjectModel
	err := scanner.Scan(
		&model.ID, &model.Name, &model.RepoURL, &model.RepoFullName, &model.Branch,
		&model.LocalPath, &model.LastCommitSHA, &model.LastSyncAt,
		&model.Target, &model.BuildSystem, &model.WebhookSecret, &model.Status,
		&model.CreatedAt, &model.UpdatedAt,
	)
	return &model, err
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure on
// the given column. The driver surfaces constraint violations as plain
// errors, so this matches on the message text.
func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}

// Save persists a project to the database. Project ids are caller-assigned
// UUIDs, so the row is upserted by id: inserted on first save, updated
// after. Returns DuplicateProjectError when another project holds the name.
func (r *projectRepository) Save(project *domain.Project) error {
	model := toProjectModel(project)

	_, err := r.db.Exec(
		`INSERT INTO projects (
			id, name, repo_url, repo_full_name, branch, local_path, last_commit_sha, last_sync_at,
			target, build_system, webhook_secret, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			repo_url = excluded.repo_url,
			repo_full_name = excluded.repo_full_name,
			branch = excluded.branch,
			local_path = excluded.local_path,
			last_commit_sha = excluded.last_commit_sha,
			last_sync_at = excluded.last_sync_at,
			target = excluded.target,
			build_system = excluded.build_system,
			webhook_secret = excluded.webhook_secret,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		model.ID, model.Name, model.RepoURL, model.RepoFullName, model.Branch,
		model.LocalPath, model.LastCommitSHA, model.LastSyncAt,
		model.Target, model.BuildSystem, model.WebhookSecret, model.Status,
		model.CreatedAt, model.UpdatedAt,
	)
	if isUniqueViolation(err, "projects.name") {
		return &domain.DuplicateProjectError{Name: project.Name()}
	}
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// FindByID retrieves a project by its UUID.
// Returns ProjectNotFoundError if no matching project exists.
func (r *projectRepository) FindByID(id string) (*domain.Project, error) {
	row := r.db.QueryRow(
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`,
		id,
	)
	model, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ProjectNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find project by id: %w", err)
	}
	return model.toDomain(), nil
}

// FindByName retrieves a project by its unique name.
// Returns ProjectNotFoundError if no matching project exists.
func (r *projectRepository) FindByName(name string) (*domain.Project, error) {
	row := r.db.QueryRow(
		`SELECT `+projectColumns+` FROM projects WHERE name = ?`,
		name,
	)
	model, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ProjectNotFoundError{Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find project by name: %w", err)
	}
	return model.toDomain(), nil
}

// FindByRepoFullName retrieves the project tracking the "owner/repo" slug.
// When more than one project tracks the repository the newest wins.
// Returns ProjectNotFoundError if no matching project exists.
func (r *projectRepository) FindByRepoFullName(fullName string) (*domain.Project, error) {
	row := r.db.QueryRow(
		`SELECT `+projectColumns+` FROM projects WHERE repo_full_name = ? ORDER BY created_at DESC LIMIT 1`,
		fullName,
	)
	model, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ProjectNotFoundError{Name: fullName}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find project by repo full name: %w", err)
	}
	return model.toDomain(), nil
}

// List retrieves all projects ordered by created_at descending (newest first).
func (r *projectRepository) List() ([]*domain.Project, error) {
	rows, err := r.db.Query(
		`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*domain.Project
	for rows.Next() {
		model, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project row: %w", err)
		}
		projects = append(projects, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project rows: %w", err)
	}

	return projects, nil
}

// Delete permanently removes a project. Builds, dependencies, and the
// project reference on webhook events go with it through foreign keys.
// Returns ProjectNotFoundError if no matching project exists.
func (r *projectRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.ProjectNotFoundError{ID: id}
	}
	return nil
}

// Count returns the number of registered projects.
func (r *projectRepository) Count() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM projects`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count projects: %w", err)
	}
	return count, nil
}
