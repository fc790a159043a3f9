package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/kiln/internal/domain"
)

// buildColumns is the list of columns to select for build queries.
const buildColumns = `id, project_id, commit_sha, commit_message, commit_author, branch, status,
	started_at, completed_at, duration_seconds, build_output, test_results, artifacts_path,
	triggered_by, webhook_event_type, created_at, updated_at`

// buildRepository implements domain.BuildRepository using SQLite.
type buildRepository struct {
	db *sql.DB
}

// newBuildRepository creates a new buildRepository instance.
func newBuildRepository(db *sql.DB) *buildRepository {
	return &buildRepository{db: db}
}

// Ensure buildRepository implements domain.BuildRepository.
var _ domain.BuildRepository = (*buildRepository)(nil)

// scanBuild scans a row into a BuildModel.
func scanBuild(scanner interface{ Scan(...any) error }) (*BuildModel, error) {
	var model BuildModel
	err := scanner.Scan(
		&model.ID, &model.ProjectID, &model.CommitSHA, &model.CommitMessage,
		&model.CommitAuthor, &model.Branch, &model.Status,
		&model.StartedAt, &model.CompletedAt, &model.DurationSeconds,
		&model.BuildOutput, &model.TestResults, &model.ArtifactsPath,
		&model.TriggeredBy, &model.WebhookEventType,
		&model.CreatedAt, &model.UpdatedAt,
	)
	return &model, err
}

// Save persists a build to the database.
// For new builds (ID == 0), inserts a new row and sets the build ID.
// For existing builds (ID > 0), updates the existing row.
func (r *buildRepository) Save(build *domain.Build) error {
	model := toBuildModel(build)

	if build.ID() == 0 {
		result, err := r.db.Exec(
			`INSERT INTO builds (
				project_id, commit_sha, commit_message, commit_author, branch, status,
				started_at, completed_at, duration_seconds, build_output, test_results, artifacts_path,
				triggered_by, webhook_event_type, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			model.ProjectID, model.CommitSHA, model.CommitMessage, model.CommitAuthor,
			model.Branch, model.Status,
			model.StartedAt, model.CompletedAt, model.DurationSeconds,
			model.BuildOutput, model.TestResults, model.ArtifactsPath,
			model.TriggeredBy, model.WebhookEventType,
			model.CreatedAt, model.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert build: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		build.SetID(id)
		return nil
	}

	_, err := r.db.Exec(
		`UPDATE builds SET
			status = ?, started_at = ?, completed_at = ?, duration_seconds = ?,
			build_output = ?, test_results = ?, artifacts_path = ?, updated_at = ?
		WHERE id = ?`,
		model.Status, model.StartedAt, model.CompletedAt, model.DurationSeconds,
		model.BuildOutput, model.TestResults, model.ArtifactsPath, model.UpdatedAt,
		model.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update build: %w", err)
	}
	return nil
}

// FindByID retrieves a build by its database ID.
// Returns BuildNotFoundError if no matching build exists.
func (r *buildRepository) FindByID(id int64) (*domain.Build, error) {
	row := r.db.QueryRow(
		`SELECT `+buildColumns+` FROM builds WHERE id = ?`,
		id,
	)
	model, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.BuildNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find build by id: %w", err)
	}
	return model.toDomain(), nil
}

// FindActiveByCommit retrieves the pending or running build occupying the
// (project, commit) slot. At most one exists at a time.
// Returns BuildNotFoundError when the slot is free.
func (r *buildRepository) FindActiveByCommit(projectID, commitSHA string) (*domain.Build, error) {
	row := r.db.QueryRow(
		`SELECT `+buildColumns+` FROM builds
		 WHERE project_id = ? AND commit_sha = ? AND status IN ('pending', 'running')
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		projectID, commitSHA,
	)
	model, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.BuildNotFoundError{}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active build: %w", err)
	}
	return model.toDomain(), nil
}

// List retrieves builds matching the given filter criteria.
// Results are ordered newest first.
func (r *buildRepository) List(filter domain.BuildListFilter) ([]*domain.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE 1=1`
	args := []any{}

	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	// id breaks ties between builds created within the same second
	query += ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var builds []*domain.Build
	for rows.Next() {
		model, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build row: %w", err)
		}
		builds = append(builds, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating build rows: %w", err)
	}

	return builds, nil
}

// Stats aggregates build history: counts by status, the average duration
// over builds that recorded one, and the success rate as a percentage of
// all builds (0 when there are none).
func (r *buildRepository) Stats() (*domain.BuildStats, error) {
	var stats domain.BuildStats
	err := r.db.QueryRow(
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_seconds), 0)
		FROM builds`,
	).Scan(
		&stats.Total, &stats.Pending, &stats.Running,
		&stats.Successful, &stats.Failed, &stats.AvgDurationSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate build stats: %w", err)
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total) * 100
	}
	return &stats, nil
}
